package api

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const maxFilenameLength = 255

// errInvalidFilename marks a file name rejected by uploadFilename.
var errInvalidFilename = errors.New("invalid file name")

// uploadFilename reduces a client supplied file name to a safe base name.
func uploadFilename(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	switch {
	case name == "" || base == "." || base == ".." || base == "/":
		return "", fmt.Errorf("%w %q", errInvalidFilename, name)
	case len(base) > maxFilenameLength:
		return "", fmt.Errorf("%w: must not exceed %d characters", errInvalidFilename, maxFilenameLength)
	case strings.ContainsRune(base, 0):
		return "", fmt.Errorf("%w: contains a NUL byte", errInvalidFilename)
	}
	return base, nil
}

// validSessionID reports whether id has the shape of a session id.
func validSessionID(id string) bool {
	return uuid.Validate(id) == nil
}
