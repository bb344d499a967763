// Package archive moves world data in and out of a session workspace: it
// extracts uploaded world archives, copies world directories and packs the
// converted output into a downloadable zip.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// MarkerName is the world descriptor file that identifies a world root.
const MarkerName = "level.dat"

var (
	// ErrInvalidWorld is returned when an archive contains no world descriptor.
	ErrInvalidWorld = errors.New("archive does not contain a world")
	// ErrArchiveTooLarge is returned when an archive or its contents exceed the configured limits.
	ErrArchiveTooLarge = errors.New("archive too large")
	// ErrInputNotFound is returned when the input path is neither a file nor a directory.
	ErrInputNotFound = errors.New("input not found")
)

// ExtractOptions bounds and observes an extraction. Zero limits disable the
// check. Progress is throttled with Throttle.
type ExtractOptions struct {
	MaxArchiveBytes int64
	MaxExtractBytes int64
	Progress        ProgressFunc
}

// ExtractResult summarises an extraction.
type ExtractResult struct {
	Root    string // directory of the marker inside the archive, "" for the archive root
	Files   int
	Skipped []string
}

// ExtractWorld extracts the world contained in the zip at archivePath into
// dest. The world root is the directory holding the world descriptor; only
// entries below it are extracted, with that prefix removed. Entries that
// would land outside dest, and symlink entries, are skipped.
//
// Nothing is written when the archive holds no world descriptor.
func ExtractWorld(ctx context.Context, archivePath, dest string, opts ExtractOptions) (*ExtractResult, error) {
	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	if opts.MaxArchiveBytes > 0 && info.Size() > opts.MaxArchiveBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrArchiveTooLarge, info.Size(), opts.MaxArchiveBytes)
	}

	// A reader is still returned alongside an insecure path error; such
	// entries are skipped below.
	zr, err := zip.OpenReader(archivePath)
	if zr == nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	marker := findMarker(zr.File)
	if marker == nil {
		return nil, ErrInvalidWorld
	}
	markerName := entryName(marker)
	prefix := markerName[:strings.LastIndex(markerName, "/")+1]

	var entries []*zip.File
	var declared uint64
	for _, f := range zr.File {
		if strings.HasPrefix(entryName(f), prefix) {
			entries = append(entries, f)
			declared += f.UncompressedSize64
		}
	}
	if opts.MaxExtractBytes > 0 && declared > uint64(opts.MaxExtractBytes) {
		return nil, fmt.Errorf("%w: %d uncompressed bytes exceeds limit of %d", ErrArchiveTooLarge, declared, opts.MaxExtractBytes)
	}

	root, err := filepath.Abs(dest)
	if err != nil {
		return nil, fmt.Errorf("resolve destination: %w", err)
	}

	result := &ExtractResult{Root: strings.TrimSuffix(prefix, "/")}
	remaining := int64(-1)
	if opts.MaxExtractBytes > 0 {
		remaining = opts.MaxExtractBytes
	}
	report := Throttle(opts.Progress)

	for i, f := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		rel := strings.TrimPrefix(entryName(f), prefix)
		if rel != "" {
			written, skipped, err := extractEntry(f, root, rel, remaining)
			if err != nil {
				return result, err
			}
			if skipped {
				result.Skipped = append(result.Skipped, f.Name)
			} else if !f.FileInfo().IsDir() {
				result.Files++
			}
			if remaining >= 0 {
				remaining -= written
			}
		}

		report(float64(i+1) / float64(len(entries)))
	}

	return result, nil
}

// extractEntry materialises one entry under root. A non-negative remaining
// caps the bytes that may still be written.
func extractEntry(f *zip.File, root, rel string, remaining int64) (int64, bool, error) {
	target, ok := resolveInside(root, rel)
	if !ok {
		return 0, true, nil
	}

	mode := f.Mode()
	switch {
	case mode.IsDir():
		if err := os.MkdirAll(target, 0o755); err != nil {
			return 0, false, fmt.Errorf("create directory %s: %w", rel, err)
		}
		return 0, false, nil
	case !mode.IsRegular():
		return 0, true, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, false, fmt.Errorf("create directory for %s: %w", rel, err)
	}

	rc, err := f.Open()
	if err != nil {
		return 0, false, fmt.Errorf("open entry %s: %w", rel, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, false, fmt.Errorf("create %s: %w", rel, err)
	}

	var src io.Reader = rc
	if remaining >= 0 {
		src = io.LimitReader(rc, remaining+1)
	}
	written, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return written, false, fmt.Errorf("write %s: %w", rel, err)
	}
	if remaining >= 0 && written > remaining {
		return written, false, fmt.Errorf("%w: extracted data exceeds limit", ErrArchiveTooLarge)
	}
	return written, false, nil
}

// findMarker returns the shallowest world descriptor entry, preferring the
// earliest entry on ties.
func findMarker(files []*zip.File) *zip.File {
	var best *zip.File
	bestDepth := -1
	for _, f := range files {
		name := entryName(f)
		if f.FileInfo().IsDir() || path.Base(name) != MarkerName {
			continue
		}
		depth := strings.Count(name, "/")
		if best == nil || depth < bestDepth {
			best = f
			bestDepth = depth
		}
	}
	return best
}

// entryName normalises archive names written with Windows separators.
func entryName(f *zip.File) string {
	return strings.ReplaceAll(f.Name, "\\", "/")
}

// resolveInside joins rel onto root and reports whether the result stays
// within root.
func resolveInside(root, rel string) (string, bool) {
	target := filepath.Join(root, filepath.FromSlash(rel))
	r, err := filepath.Rel(root, target)
	if err != nil {
		return "", false
	}
	if r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}
	return target, true
}
