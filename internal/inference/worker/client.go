// Package worker drives an out-of-process inference worker over HTTP. The
// worker owns the accelerator and the model weights; this client only holds
// opaque handle ids for the models it asked the worker to load.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fmueller/voxscribe/internal/audio"
	"github.com/fmueller/voxscribe/internal/inference"
	"go.uber.org/zap"
)

const codeAcceleratorExhausted = "accelerator_exhausted"

var ErrUnavailable = errors.New("inference worker unavailable")

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

var _ inference.Runtime = (*Client)(nil)

func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		// Per-call deadlines come from the request context; this only caps
		// a worker that stops responding entirely.
		HTTPClient: &http.Client{Timeout: 30 * time.Minute},
		Logger:     logger,
	}
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type handleResponse struct {
	ID       string                  `json:"id"`
	Metadata inference.AlignMetadata `json:"metadata"`
}

func (c *Client) LoadModel(ctx context.Context, spec inference.ModelSpec) (inference.Model, error) {
	var resp handleResponse
	err := c.postJSON(ctx, "/v1/models", map[string]string{
		"name":         spec.Name,
		"device":       spec.Device,
		"compute_type": spec.ComputeType,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", spec.Name, err)
	}
	return &remoteModel{client: c, id: resp.ID, name: spec.Name}, nil
}

func (c *Client) LoadAlignModel(ctx context.Context, language, device string) (inference.AlignModel, error) {
	var resp handleResponse
	err := c.postJSON(ctx, "/v1/align-models", map[string]string{
		"language": language,
		"device":   device,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("load align model %s: %w", language, err)
	}
	if resp.Metadata.Language == "" {
		resp.Metadata.Language = language
	}
	return &remoteAlignModel{client: c, id: resp.ID, metadata: resp.Metadata}, nil
}

func (c *Client) LoadDiarizer(ctx context.Context, device, token string) (inference.Diarizer, error) {
	var resp handleResponse
	err := c.postJSON(ctx, "/v1/diarizers", map[string]string{
		"device": device,
		"token":  token,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("load diarizer: %w", err)
	}
	return &remoteDiarizer{client: c, id: resp.ID}, nil
}

type alignRequest struct {
	ModelID              string              `json:"model_id"`
	Device               string              `json:"device"`
	Segments             []inference.Segment `json:"segments"`
	ReturnCharAlignments bool                `json:"return_char_alignments"`
}

func (c *Client) Align(ctx context.Context, segments []inference.Segment, model inference.AlignModel, wave audio.Waveform, device string) ([]inference.Segment, error) {
	remote, ok := model.(*remoteAlignModel)
	if !ok {
		return nil, fmt.Errorf("align model %T was not loaded by this worker", model)
	}

	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	reqPart, err := writer.CreateFormField("request")
	if err != nil {
		return nil, fmt.Errorf("create request field: %w", err)
	}
	if err := json.NewEncoder(reqPart).Encode(alignRequest{
		ModelID:  remote.id,
		Device:   device,
		Segments: segments,
	}); err != nil {
		return nil, fmt.Errorf("encode align request: %w", err)
	}

	audioPart, err := writer.CreateFormFile("audio", "waveform.f32")
	if err != nil {
		return nil, fmt.Errorf("create audio field: %w", err)
	}
	if _, err := audioPart.Write(encodeWaveform(wave)); err != nil {
		return nil, fmt.Errorf("write audio field: %w", err)
	}
	if err := writer.WriteField("sample_rate", strconv.Itoa(wave.SampleRate)); err != nil {
		return nil, fmt.Errorf("write sample_rate field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	var resp struct {
		Segments []inference.Segment `json:"segments"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/align", writer.FormDataContentType(), body, &resp); err != nil {
		return nil, fmt.Errorf("align: %w", err)
	}
	return resp.Segments, nil
}

func (c *Client) DeviceInfo(ctx context.Context) (inference.DeviceInfo, error) {
	var info inference.DeviceInfo
	if err := c.do(ctx, http.MethodGet, "/v1/device", "", nil, &info); err != nil {
		return inference.DeviceInfo{}, fmt.Errorf("device info: %w", err)
	}
	return info, nil
}

func (c *Client) EmptyCache(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/v1/memory/empty-cache", "", nil, nil); err != nil {
		return fmt.Errorf("empty accelerator cache: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(body), out)
}

func (c *Client) postWaveform(ctx context.Context, path string, query url.Values, wave audio.Waveform, out any) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("sample_rate", strconv.Itoa(wave.SampleRate))
	return c.do(ctx, http.MethodPost, path+"?"+query.Encode(), "application/octet-stream", bytes.NewReader(encodeWaveform(wave)), out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	c.Logger.Debug("worker call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode worker response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var payload apiError
	_ = json.Unmarshal(raw, &payload)

	message := strings.TrimSpace(payload.Error.Message)
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}

	if payload.Error.Code == codeAcceleratorExhausted || resp.StatusCode == http.StatusInsufficientStorage {
		return fmt.Errorf("%w: %s", inference.ErrAcceleratorExhausted, message)
	}
	if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusBadGateway {
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, message)
	}
	return fmt.Errorf("worker returned status %d: %s", resp.StatusCode, message)
}

func encodeWaveform(wave audio.Waveform) []byte {
	buf := make([]byte, 4*len(wave.Samples))
	for i, sample := range wave.Samples {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(sample))
	}
	return buf
}
