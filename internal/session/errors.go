package session

import "errors"

var (
	ErrNotFound  = errors.New("session not found")
	ErrClosed    = errors.New("session closed")
	ErrNoArchive = errors.New("output file not found")
)

// Error texts shown to the client.
const (
	MsgProcessFailed = "Failed to process message"

	msgInvalidWorld    = "Provided file does not contain a Minecraft world."
	msgArchiveTooLarge = "This zip file is too large to open."
	msgOpenFile        = "Failed to open selected file."
	msgOpenFolder      = "Failed to open selected folder."
	msgInputNotFound   = "Failed to find input world."
	msgSettingsFailed  = "Failed to read generated settings."
	msgPreviewFailed   = "Failed to read generated preview."
	msgArchiveFailed   = "Failed to create output archive."
	msgWorkspaceFailed = "Failed to prepare the session workspace."
	msgWorkerFailed    = "Failed to send request to the converter."
)

// trace renders err as the diagnostic trace attached to error responses.
func trace(err error) string {
	return err.Error() + "\n"
}
