package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const spoolChunkSize = 1 << 20

var ErrTooLarge = errors.New("audio upload exceeds size limit")

// Spool stores request audio in request-scoped temp files. The files are
// owned by the request that created them and removed by its cleanup.
type Spool struct {
	Dir      string
	MaxBytes int64
}

// Save streams r into a new spool file and returns its path. A partial file
// is removed when the copy fails or the size limit is crossed.
func (s *Spool) Save(ctx context.Context, r io.Reader, name string) (path string, err error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create spool directory %s: %w", s.Dir, err)
	}

	tmp, err := os.CreateTemp(s.Dir, "upload-*"+filepath.Ext(name))
	if err != nil {
		return "", fmt.Errorf("create spool file: %w", err)
	}
	tmpPath := tmp.Name()

	defer func() {
		closeErr := tmp.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("close spool file: %w", closeErr)
		}
		if err != nil {
			_ = os.Remove(tmpPath)
			path = ""
		}
	}()

	buf := make([]byte, spoolChunkSize)
	var total int64
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if s.MaxBytes > 0 && total > s.MaxBytes {
				return "", fmt.Errorf("%w (max %d MB)", ErrTooLarge, s.MaxBytes>>20)
			}
			if _, err := tmp.Write(buf[:n]); err != nil {
				return "", fmt.Errorf("write spool file: %w", err)
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("read upload: %w", readErr)
		}
	}

	return tmpPath, nil
}

// Remove deletes a spool file. A file that is already gone is not an error.
func (s *Spool) Remove(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
