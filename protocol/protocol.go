// Package protocol defines the JSON messages exchanged between the bridge,
// the browser client and the worker process.
//
// The worker speaks one JSON object per line over stdio. The client speaks
// one envelope per WebSocket frame, with the inner message carried as a JSON
// string in the envelope's data field.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RequestType is the type of a request sent from the bridge to the worker.
type RequestType string

const (
	RequestDetectVersion RequestType = "detect_version"
	RequestSettings      RequestType = "settings"
	RequestPreview       RequestType = "preview"
	RequestConvert       RequestType = "convert"
	RequestKill          RequestType = "kill"
)

// MessageType is the type of a message sent from the worker (or synthesized
// by the bridge) towards the client.
type MessageType string

const (
	MessageResponse      MessageType = "response"
	MessageError         MessageType = "error"
	MessageProgress      MessageType = "progress"
	MessageProgressState MessageType = "progress_state"
)

// IsProgress reports whether messages of this type leave the request open.
func (t MessageType) IsProgress() bool {
	return t == MessageProgress || t == MessageProgressState
}

// AnimatedPercentage is reported together with animated progress states.
const AnimatedPercentage = 0.999

// WorkerMode is the positional argument that puts the CLI into line protocol mode.
const WorkerMode = "messenger"

// RequestID is a caller-supplied correlation token. It holds the canonical
// JSON text of the id so that string and numeric ids are echoed back to the
// client exactly as they arrived.
type RequestID string

// NewRequestID builds a RequestID from any JSON-encodable value.
func NewRequestID(v any) (RequestID, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode request id: %w", err)
	}
	if string(data) == "null" {
		return "", nil
	}
	return RequestID(data), nil
}

// StringID returns the RequestID for a plain string id.
func StringID(s string) RequestID {
	id, _ := NewRequestID(s)
	return id
}

func (id RequestID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	return []byte(id), nil
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("decode request id: %w", err)
	}
	parsed, err := NewRequestID(v)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// IsZero reports whether the id was absent or null.
func (id RequestID) IsZero() bool {
	return id == ""
}

func (id RequestID) String() string {
	return string(id)
}

// Request is a bridge → worker request. Fields not used by an operation are
// omitted, except the settings blobs of convert which the worker expects to
// be present (null when unset).
type Request struct {
	Type        RequestType `json:"type"`
	RequestID   RequestID   `json:"requestId"`
	AnonymousID string      `json:"anonymousId"`

	InputPath  string `json:"inputPath,omitempty"`
	OutputPath string `json:"outputPath,omitempty"`

	// detect_version
	Preloaded json.RawMessage `json:"preloaded,omitempty"`

	// convert
	*ConvertOptions
}

// ConvertOptions carries the convert-specific fields of a Request.
type ConvertOptions struct {
	OutputFormat          string          `json:"outputFormat"`
	BlockMappings         json.RawMessage `json:"blockMappings"`
	DimensionMappings     json.RawMessage `json:"dimensionMappings"`
	NBTSettings           json.RawMessage `json:"nbtSettings"`
	PruningList           json.RawMessage `json:"pruningList"`
	CopyNBT               bool            `json:"copyNbt"`
	SkipMaps              bool            `json:"skipMaps"`
	SkipLootTables        bool            `json:"skipLootTables"`
	SkipItemConversion    bool            `json:"skipItemConversion"`
	CustomIdentifiers     bool            `json:"customIdentifiers"`
	SkipBlockConnections  bool            `json:"skipBlockConnections"`
	EnableCompact         bool            `json:"enableCompact"`
	DiscardEmptyChunks    bool            `json:"discardEmptyChunks"`
	PreventYBiomeBlending bool            `json:"preventYBiomeBlending"`
}

// EnvelopeType is the outer frame type on the client connection.
type EnvelopeType string

const (
	EnvelopeOpen    EnvelopeType = "open"
	EnvelopeClose   EnvelopeType = "close"
	EnvelopeMessage EnvelopeType = "message"
	EnvelopeError   EnvelopeType = "error"
)

// Envelope is one client connection frame.
type Envelope struct {
	Type  EnvelopeType `json:"type"`
	Data  string       `json:"data,omitempty"`
	Code  *int         `json:"code,omitempty"`
	Error string       `json:"error,omitempty"`
}

// CloseEnvelope builds a close frame carrying code.
func CloseEnvelope(code int) Envelope {
	return Envelope{Type: EnvelopeClose, Code: &code}
}

// ClientMessageType is the type of the inner client message.
type ClientMessageType string

const (
	ClientFlow     ClientMessageType = "flow"
	ClientSettings ClientMessageType = "settings"
	ClientMappings ClientMessageType = "mappings"
)

// Flow, settings and mappings methods.
const (
	MethodCancel           = "cancel"
	MethodSave             = "save"
	MethodSelectWorld      = "select_world"
	MethodGenerateSettings = "generate_settings"
	MethodGeneratePreview  = "generate_preview"
	MethodConvert          = "convert"

	MethodSetWorldSettings     = "set_world_settings"
	MethodSetPruningSettings   = "set_pruning_settings"
	MethodSetOutputName        = "set_output_name"
	MethodSetBlockMappings     = "set_block_mappings"
	MethodSetDimensionMappings = "set_dimension_mappings"
)

// ClientRequest is the inner message of a client message envelope.
// Convert flags are pointers so an absent field can take its own default.
type ClientRequest struct {
	Type      ClientMessageType `json:"type"`
	Method    string            `json:"method"`
	RequestID RequestID         `json:"requestId"`

	Path       string          `json:"path,omitempty"`
	Settings   json.RawMessage `json:"settings,omitempty"`
	Name       *string         `json:"name,omitempty"`
	Mappings   json.RawMessage `json:"mappings,omitempty"`
	Dimensions json.RawMessage `json:"dimensions,omitempty"`
	OutputType string          `json:"outputType,omitempty"`

	KeepOriginalNBT       *bool `json:"keepOriginalNBT,omitempty"`
	MapConversion         *bool `json:"mapConversion,omitempty"`
	LootTableConversion   *bool `json:"lootTableConversion,omitempty"`
	ItemConversion        *bool `json:"itemConversion,omitempty"`
	CustomIdentifiers     *bool `json:"customIdentifiers,omitempty"`
	BlockConnections      *bool `json:"blockConnections,omitempty"`
	EnableCompact         *bool `json:"enableCompact,omitempty"`
	DiscardEmptyChunks    *bool `json:"discardEmptyChunks,omitempty"`
	PreventYBiomeBlending *bool `json:"preventYBiomeBlending,omitempty"`
}

// ConvertOptions resolves the client's convert flags, each with its own
// default when absent.
func (r ClientRequest) ConvertOptions() ConvertOptions {
	return ConvertOptions{
		OutputFormat:          r.OutputType,
		CopyNBT:               flag(r.KeepOriginalNBT, false),
		SkipMaps:              !flag(r.MapConversion, true),
		SkipLootTables:        !flag(r.LootTableConversion, true),
		SkipItemConversion:    !flag(r.ItemConversion, true),
		CustomIdentifiers:     flag(r.CustomIdentifiers, true),
		SkipBlockConnections:  !flag(r.BlockConnections, true),
		EnableCompact:         flag(r.EnableCompact, true),
		DiscardEmptyChunks:    flag(r.DiscardEmptyChunks, false),
		PreventYBiomeBlending: flag(r.PreventYBiomeBlending, false),
	}
}

func flag(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
