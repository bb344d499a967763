package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/p-arndt/chunkerweb/internal/archive"
	"github.com/p-arndt/chunkerweb/internal/workspace"
	"github.com/p-arndt/chunkerweb/protocol"
)

const (
	preloadedSettingsPath = ".chunker/settings.json"
	settingsArtifact      = "data.json"
	previewArtifact       = "map.bin"
	zippingPhase          = "Zipping output"
)

func (s *Session) onFlow(req protocol.ClientRequest) {
	id := req.RequestID
	switch req.Method {
	case protocol.MethodCancel:
		s.cancelTask(id)
	case protocol.MethodSave:
		s.save(id)
	case protocol.MethodSelectWorld:
		s.goTask(func(ctx context.Context) { s.selectWorld(ctx, id, req.Path) })
	case protocol.MethodGenerateSettings:
		s.goTask(func(ctx context.Context) { s.generateSettings(id) })
	case protocol.MethodGeneratePreview:
		s.goTask(func(ctx context.Context) { s.generatePreview(id) })
	case protocol.MethodConvert:
		opts := req.ConvertOptions()
		settings := s.Settings()
		opts.BlockMappings = settings.BlockMappings
		opts.DimensionMappings = settings.DimensionMappings
		opts.NBTSettings = settings.World
		opts.PruningList = settings.Pruning
		s.goTask(func(ctx context.Context) { s.convert(id, opts) })
	default:
		s.logger.Warn("unhandled flow method", "method", req.Method)
	}
}

// cancelTask asks the worker to stop the request with the given id. No
// response is expected.
func (s *Session) cancelTask(id protocol.RequestID) {
	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()
	if w == nil {
		return
	}
	err := w.Send(protocol.Request{Type: protocol.RequestKill, RequestID: id, AnonymousID: s.id})
	if err != nil {
		s.logger.Warn("send kill to worker", "request_id", id, "error", err)
	}
}

// save points the client at the download endpoint for the built archive.
func (s *Session) save(id protocol.RequestID) {
	s.sendResponse(id, map[string]any{
		"downloadUrl": s.DownloadURL(),
		"sessionId":   s.id,
	})
}

func (s *Session) selectWorld(ctx context.Context, id protocol.RequestID, path string) {
	input, err := s.ws.Reset(workspace.InputDir)
	if err != nil {
		s.sendError(id, msgWorkspaceFailed, err)
		return
	}

	src, err := s.resolveInput(path)
	if err != nil {
		s.logger.Warn("failed to find input", "path", path, "error", err)
		s.sendError(id, msgInputNotFound, nil)
		return
	}
	info, err := os.Stat(src)
	if err != nil {
		s.logger.Warn("failed to find input", "path", src, "error", err)
		s.sendError(id, msgInputNotFound, nil)
		return
	}

	progress := func(f float64) { s.sendMessage(protocol.NewProgress(id, f)) }

	switch {
	case info.Mode().IsRegular():
		res, err := archive.ExtractWorld(ctx, src, input, archive.ExtractOptions{
			MaxArchiveBytes: s.opts.MaxArchiveBytes,
			MaxExtractBytes: s.opts.MaxExtractBytes,
			Progress:        progress,
		})
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, archive.ErrInvalidWorld):
			s.sendError(id, msgInvalidWorld, nil)
			return
		case errors.Is(err, archive.ErrArchiveTooLarge):
			s.logger.Warn("input archive too large", "path", src, "error", err)
			s.sendError(id, msgArchiveTooLarge, err)
			return
		case err != nil:
			s.logger.Error("failed to read input zip", "path", src, "error", err)
			s.sendError(id, msgOpenFile, err)
			return
		}
		if len(res.Skipped) > 0 {
			s.logger.Warn("skipped unsafe archive entries", "count", len(res.Skipped))
		}
		s.logger.Info("world extracted", "files", res.Files, "root", res.Root)
	case info.IsDir():
		n, err := archive.CopyDir(ctx, src, input, progress)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Error("failed to read input directory", "path", src, "error", err)
			s.sendError(id, msgOpenFolder, err)
			return
		}
		s.logger.Info("world copied", "files", n)
	default:
		s.logger.Warn("input is neither a file nor a directory", "path", src)
		s.sendError(id, msgInputNotFound, nil)
		return
	}

	s.sendMessage(protocol.NewProgressState(id, ""))
	s.request(protocol.Request{
		Type:        protocol.RequestDetectVersion,
		RequestID:   id,
		AnonymousID: s.id,
		InputPath:   input,
		Preloaded:   s.loadPreloaded(input),
	}, nil)
}

// resolveInput returns the absolute input path, provided it lies inside one
// of the allowed input roots.
func (s *Session) resolveInput(path string) (string, error) {
	if path == "" {
		return "", archive.ErrInputNotFound
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if s.opts.InputRoots == nil {
		return abs, nil
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", archive.ErrInputNotFound, err)
	}
	for _, root := range s.opts.InputRoots {
		r, err := filepath.EvalSymlinks(root)
		if err != nil {
			continue
		}
		if r, err = filepath.Abs(r); err != nil {
			continue
		}
		rel, err := filepath.Rel(r, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return resolved, nil
	}
	return "", fmt.Errorf("%w: %s is outside the allowed input roots", archive.ErrInputNotFound, path)
}

// loadPreloaded reads the settings a previous conversion left in the world.
// A missing or invalid file yields an empty object.
func (s *Session) loadPreloaded(input string) json.RawMessage {
	empty := json.RawMessage("{}")
	data, err := os.ReadFile(filepath.Join(input, filepath.FromSlash(preloadedSettingsPath)))
	if errors.Is(err, os.ErrNotExist) {
		return empty
	}
	if err != nil {
		s.logger.Warn("failed to load preloaded settings", "error", err)
		return empty
	}
	if !json.Valid(data) {
		s.logger.Warn("failed to load preloaded settings", "error", "invalid JSON")
		return empty
	}
	return json.RawMessage(bytes.TrimSpace(data))
}

func (s *Session) generateSettings(id protocol.RequestID) {
	dir, err := s.ws.Reset(workspace.SettingsDir)
	if err != nil {
		s.sendError(id, msgWorkspaceFailed, err)
		return
	}
	s.request(protocol.Request{
		Type:        protocol.RequestSettings,
		RequestID:   id,
		AnonymousID: s.id,
		InputPath:   s.ws.Input(),
		OutputPath:  dir,
	}, s.mergeSettings(id, dir))
}

// mergeSettings merges the generated settings file into the response output
// and orders its maps by id.
func (s *Session) mergeSettings(id protocol.RequestID, dir string) Transform {
	return func(_ context.Context, msg protocol.Message) protocol.Message {
		data, err := os.ReadFile(filepath.Join(dir, settingsArtifact))
		if err != nil {
			s.logger.Error("read generated settings", "error", err)
			return protocol.NewError(id, msgSettingsFailed, trace(err))
		}
		generated, err := protocol.DecodeMessage(data)
		if err != nil {
			s.logger.Error("parse generated settings", "error", err)
			return protocol.NewError(id, msgSettingsFailed, trace(err))
		}

		output, _ := msg.Output().(map[string]any)
		if output == nil {
			output = make(map[string]any, len(generated))
		}
		for k, v := range generated {
			output[k] = v
		}
		if maps, ok := output["maps"].([]any); ok {
			sortByID(maps)
		}
		msg.SetOutput(output)
		return msg
	}
}

// sortByID orders objects by their numeric "id" field. Objects without a
// numeric id sort first.
func sortByID(items []any) {
	key := func(v any) float64 {
		obj, _ := v.(map[string]any)
		switch id := obj["id"].(type) {
		case json.Number:
			f, _ := id.Float64()
			return f
		case float64:
			return id
		case string:
			f, _ := strconv.ParseFloat(id, 64)
			return f
		}
		return 0
	}
	sort.SliceStable(items, func(i, j int) bool { return key(items[i]) < key(items[j]) })
}

func (s *Session) generatePreview(id protocol.RequestID) {
	dir, err := s.ws.Reset(workspace.PreviewDir)
	if err != nil {
		s.sendError(id, msgWorkspaceFailed, err)
		return
	}
	s.request(protocol.Request{
		Type:        protocol.RequestPreview,
		RequestID:   id,
		AnonymousID: s.id,
		InputPath:   s.ws.Input(),
		OutputPath:  dir,
	}, func(_ context.Context, msg protocol.Message) protocol.Message {
		data, err := os.ReadFile(filepath.Join(dir, previewArtifact))
		if err != nil {
			s.logger.Error("read generated preview", "error", err)
			return protocol.NewError(id, msgPreviewFailed, trace(err))
		}
		msg.SetOutput(base64.StdEncoding.EncodeToString(data))
		return msg
	})
}

func (s *Session) convert(id protocol.RequestID, opts protocol.ConvertOptions) {
	dir, err := s.ws.Reset(workspace.OutputDir)
	if err != nil {
		s.sendError(id, msgWorkspaceFailed, err)
		return
	}
	s.request(protocol.Request{
		Type:           protocol.RequestConvert,
		RequestID:      id,
		AnonymousID:    s.id,
		InputPath:      s.ws.Input(),
		OutputPath:     dir,
		ConvertOptions: &opts,
	}, s.buildArchive(id))
}

// buildArchive packs the converted world and replaces the worker's payload
// with a reference to the download.
func (s *Session) buildArchive(id protocol.RequestID) Transform {
	return func(ctx context.Context, msg protocol.Message) protocol.Message {
		s.sendMessage(protocol.NewProgressState(id, zippingPhase))

		name := archive.SanitizeName(s.outputName())
		size, err := archive.ZipDir(ctx, s.ws.Output(), s.ws.ArchivePath(), name)
		if err != nil {
			s.logger.Error("failed to create zip", "error", err)
			return protocol.NewError(id, msgArchiveFailed, trace(err))
		}
		s.logger.Info("archive created", "bytes", size, "name", name)

		filename := name + ".zip"
		s.mu.Lock()
		s.archiveName = filename
		s.mu.Unlock()

		msg.SetOutput(map[string]any{
			"downloadUrl": s.DownloadURL(),
			"filename":    filename,
			"sessionId":   s.id,
		})
		return msg
	}
}

// Archive returns the path of the built output archive and the file name
// it should be downloaded as. ok is false when no archive exists.
func (s *Session) Archive() (path, filename string, ok bool) {
	path = s.ws.ArchivePath()
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", "", false
	}
	s.mu.Lock()
	filename = s.archiveName
	s.mu.Unlock()
	if filename == "" {
		filename = archive.SanitizeName(s.outputName()) + ".zip"
	}
	return path, filename, true
}
