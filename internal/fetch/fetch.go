// Package fetch downloads remote audio into a local file so it can be
// transcribed like any other input.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/term"
)

var (
	ErrTooLarge         = errors.New("remote audio exceeds size limit")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

type Options struct {
	URL string
	// Dir receives the downloaded file; it is created if missing.
	Dir            string
	MaxBytes       int64
	ExpectedSHA256 string
	Retries        int
	NoProgress     bool
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// IsRemote reports whether arg names an http(s) resource rather than a path.
func IsRemote(arg string) bool {
	u, err := url.Parse(strings.TrimSpace(arg))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Audio downloads opts.URL into opts.Dir and returns the local path. The
// caller owns the file. Transient failures are retried; size and checksum
// failures are not.
func Audio(ctx context.Context, opts Options) (string, error) {
	if !IsRemote(opts.URL) {
		return "", fmt.Errorf("not an http(s) URL: %q", opts.URL)
	}
	if opts.Dir == "" {
		return "", errors.New("download directory is required")
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}

	expected := strings.ToLower(strings.TrimSpace(opts.ExpectedSHA256))

	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		if attempt > 1 {
			opts.Logger.Warn("retrying audio download", zap.Int("attempt", attempt), zap.Int("max", opts.Retries), zap.String("url", opts.URL))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
			}
		}

		dest, err := downloadOnce(ctx, opts, expected)
		if err == nil {
			return dest, nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			break
		}
	}
	return "", lastErr
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, ErrTooLarge) && !errors.Is(err, ErrChecksumMismatch)
}

func downloadOnce(ctx context.Context, opts Options, expected string) (string, error) {
	out, err := os.CreateTemp(opts.Dir, "remote-*"+remoteExt(opts.URL))
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	dest := out.Name()

	success := false
	defer func() {
		_ = out.Close()
		if !success {
			_ = os.Remove(dest)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "voxscribe/1")

	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if opts.MaxBytes > 0 && resp.ContentLength > opts.MaxBytes {
		return "", fmt.Errorf("%w: %d bytes announced, limit is %d", ErrTooLarge, resp.ContentLength, opts.MaxBytes)
	}

	hash := sha256.New()
	writer := io.MultiWriter(out, hash)

	var bar *progressbar.ProgressBar
	if shouldRenderProgress(opts.NoProgress, resp.ContentLength) {
		bar = progressbar.NewOptions64(
			resp.ContentLength,
			progressbar.OptionSetDescription("downloading"),
			progressbar.OptionSetWidth(20),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
		writer = io.MultiWriter(out, hash, bar)
	}

	body := io.Reader(resp.Body)
	if opts.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, opts.MaxBytes+1)
	}
	written, err := io.Copy(writer, body)
	if err != nil {
		return "", fmt.Errorf("download body: %w", err)
	}
	if opts.MaxBytes > 0 && written > opts.MaxBytes {
		return "", fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, opts.MaxBytes)
	}
	if bar != nil {
		_ = bar.Finish()
	}

	if actual := hex.EncodeToString(hash.Sum(nil)); expected != "" && actual != expected {
		return "", fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expected, actual)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close download file: %w", err)
	}

	opts.Logger.Debug("remote audio downloaded", zap.String("url", opts.URL), zap.String("path", dest), zap.Int64("bytes", written))
	success = true
	return dest, nil
}

// remoteExt keeps the URL's file extension so decoders can pick a reader.
func remoteExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if len(ext) > 8 || strings.ContainsAny(ext, `/\`) {
		return ""
	}
	return ext
}

func shouldRenderProgress(noProgress bool, contentLength int64) bool {
	if noProgress || contentLength <= 0 {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
