package session

import (
	"encoding/json"

	"github.com/p-arndt/chunkerweb/protocol"
)

// Settings are the values accumulated by settings and mappings requests
// and consumed by convert. Unset values are sent to the worker as null.
type Settings struct {
	World             json.RawMessage
	Pruning           json.RawMessage
	BlockMappings     json.RawMessage
	DimensionMappings json.RawMessage
	OutputName        *string
}

// Settings returns a copy of the accumulated settings.
func (s *Session) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *Session) onSettings(req protocol.ClientRequest) {
	s.mu.Lock()
	switch req.Method {
	case protocol.MethodSetWorldSettings:
		s.settings.World = req.Settings
	case protocol.MethodSetPruningSettings:
		s.settings.Pruning = req.Settings
	case protocol.MethodSetOutputName:
		s.settings.OutputName = req.Name
	default:
		s.mu.Unlock()
		s.logger.Warn("unhandled settings method", "method", req.Method)
		return
	}
	s.mu.Unlock()
	s.sendResponse(req.RequestID, nil)
}

func (s *Session) onMappings(req protocol.ClientRequest) {
	s.mu.Lock()
	switch req.Method {
	case protocol.MethodSetBlockMappings:
		s.settings.BlockMappings = req.Mappings
	case protocol.MethodSetDimensionMappings:
		s.settings.DimensionMappings = req.Dimensions
	default:
		s.mu.Unlock()
		s.logger.Warn("unhandled mappings method", "method", req.Method)
		return
	}
	s.mu.Unlock()
	s.sendResponse(req.RequestID, nil)
}

func (s *Session) outputName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings.OutputName == nil {
		return ""
	}
	return *s.settings.OutputName
}
