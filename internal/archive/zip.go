package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// ZipDir writes every regular file below srcDir into a new zip at dstPath,
// nested under a top-level folder. Entries are deflated at the fastest level
// since world data is mostly compressed already. The number of bytes written
// to dstPath is returned.
func ZipDir(ctx context.Context, srcDir, dstPath, folder string) (int64, error) {
	out, err := os.Create(dstPath)
	if err != nil {
		return 0, fmt.Errorf("create archive: %w", err)
	}

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestSpeed)
	})

	walkErr := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		name := path.Join(folder, filepath.ToSlash(rel))

		if d.IsDir() {
			if rel == "." {
				if folder == "" {
					return nil
				}
				name = folder
			}
			_, err := zw.Create(name + "/")
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return addFile(zw, p, name)
	})

	closeErr := zw.Close()
	if cerr := out.Close(); closeErr == nil {
		closeErr = cerr
	}
	if walkErr != nil {
		os.Remove(dstPath)
		return 0, fmt.Errorf("write archive: %w", walkErr)
	}
	if closeErr != nil {
		os.Remove(dstPath)
		return 0, fmt.Errorf("finalize archive: %w", closeErr)
	}

	info, err := os.Stat(dstPath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func addFile(zw *zip.Writer, src, name string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
