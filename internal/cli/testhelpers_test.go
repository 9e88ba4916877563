package cli

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fmueller/voxscribe/internal/pipeline"
	"github.com/fmueller/voxscribe/internal/service"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := NewRootCmd()
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

type fakeService struct {
	transcribeFn func(path string, req service.TranscribeRequest) (pipeline.Result, error)
	preloadErr   error
	health       service.Health

	mu       sync.Mutex
	requests []service.TranscribeRequest
	preloads int
	closed   bool
}

func (f *fakeService) TranscribeFile(_ context.Context, path string, req service.TranscribeRequest) (pipeline.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.transcribeFn != nil {
		return f.transcribeFn(path, req)
	}
	return pipeline.Result{RequestID: "req-" + filepath.Base(path), Language: "en", Text: "hello"}, nil
}

func (f *fakeService) Preload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preloads++
	return f.preloadErr
}

func (f *fakeService) Health(context.Context) service.Health {
	return f.health
}

func (f *fakeService) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// withFake points app at svc; finishErr is returned when the command ends.
func withFake(app *appState, svc *fakeService, finishErr error) *appState {
	app.openServiceFn = func(context.Context) (transcriber, func() error, error) {
		return svc, func() error {
			_ = svc.Close()
			return finishErr
		}, nil
	}
	return app
}

func writeAudioFiles(t *testing.T, names ...string) []string {
	t.Helper()

	dir := t.TempDir()
	paths := make([]string, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, silentWAV(1600), 0o600))
		paths = append(paths, path)
	}
	return paths
}

// silentWAV is a 16 kHz mono PCM16 file of the given number of samples.
func silentWAV(samples int) []byte {
	const sampleRate = 16000
	dataSize := uint32(2 * samples)

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, struct {
		ChunkSize     uint32
		AudioFormat   uint16
		Channels      uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
	}{16, 1, 1, sampleRate, 2 * sampleRate, 2, 16})
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(make([]byte, dataSize))
	return buf.Bytes()
}
