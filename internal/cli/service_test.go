package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/fmueller/voxscribe/internal/config"
	"github.com/fmueller/voxscribe/internal/pipeline"
	"github.com/stretchr/testify/require"
)

func envLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadSettingsAppliesFlagOverrides(t *testing.T) {
	t.Parallel()

	app := &appState{
		lookupEnv: envLookup(map[string]string{"DEVICE": "cpu", "WORKER_URL": "http://env:1"}),
		workerURL: " http://flag:2 ",
		device:    "cuda",
	}

	settings, err := app.loadSettings()
	require.NoError(t, err)
	require.Equal(t, "http://flag:2", settings.WorkerURL)
	require.Equal(t, "cuda", settings.Device)
	require.Equal(t, "float16", settings.ComputeType)
	require.Equal(t, "cuda", settings.DiarizationDevice)
}

func TestLoadSettingsKeepsExplicitComputeType(t *testing.T) {
	t.Parallel()

	app := &appState{
		lookupEnv: envLookup(map[string]string{"DEVICE": "cpu", "COMPUTE_TYPE": "float32", "DIAR_DEVICE": "cpu"}),
		device:    "cuda",
	}

	settings, err := app.loadSettings()
	require.NoError(t, err)
	require.Equal(t, "float32", settings.ComputeType)
}

func TestLoadSettingsReadsConfigFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "voxscribe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device: cpu\nmax_concurrent: 3\n"), 0o600))

	app := &appState{configPath: path, lookupEnv: envLookup(nil)}
	settings, err := app.loadSettings()
	require.NoError(t, err)
	require.Equal(t, 3, settings.MaxConcurrent)
}

func TestLoadSettingsRejectsInvalidEnv(t *testing.T) {
	t.Parallel()

	app := &appState{lookupEnv: envLookup(map[string]string{"MAX_CONCURRENT": "many"})}
	_, err := app.loadSettings()
	require.Error(t, err)
}

func newFakeWorker(t *testing.T, released *atomic.Int32) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/models", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"m-1"}`))
	})
	mux.HandleFunc("POST /v1/models/m-1/transcribe", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"language":"en","segments":[{"text":" hello world ","start":0,"end":0.1}]}`))
	})
	mux.HandleFunc("POST /v1/align-models", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"a-en","metadata":{"language":"en"}}`))
	})
	mux.HandleFunc("POST /v1/align", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"segments":[{"text":"hello world","start":0.01,"end":0.09}]}`))
	})
	mux.HandleFunc("DELETE /v1/align-models/a-en", func(w http.ResponseWriter, _ *http.Request) {
		released.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTranscribeCommandAgainstWorker(t *testing.T) {
	t.Parallel()

	var released atomic.Int32
	srv := newFakeWorker(t, &released)
	spool := t.TempDir()
	metricsFile := filepath.Join(t.TempDir(), "voxscribe.prom")

	app := &appState{
		lookupEnv:   envLookup(map[string]string{"DEVICE": "cpu", "SPOOL_DIR": spool}),
		workerURL:   srv.URL,
		metricsFile: metricsFile,
	}
	app.openServiceFn = app.openService
	paths := writeAudioFiles(t, "clip.wav")

	out := new(bytes.Buffer)
	cmd := newTranscribeCmd(app)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"--no-progress", "--format", "json", paths[0]})
	require.NoError(t, cmd.Execute())

	var decoded fileOutcome
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.NotNil(t, decoded.Result)
	require.Equal(t, "en", decoded.Result.Language)
	require.Equal(t, "hello world", decoded.Result.Text)
	require.Equal(t, []pipeline.Segment{{Text: "hello world", Start: 0.01, End: 0.09}}, decoded.Result.Segments)
	require.NotEmpty(t, decoded.Result.RequestID)

	require.EqualValues(t, 1, released.Load())
	entries, err := os.ReadDir(spool)
	require.NoError(t, err)
	require.Empty(t, entries)

	metrics, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	require.Contains(t, string(metrics), `voxscribe_requests_total{outcome="ok"} 1`)
}
