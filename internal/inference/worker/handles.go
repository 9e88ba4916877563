package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fmueller/voxscribe/internal/audio"
	"github.com/fmueller/voxscribe/internal/inference"
)

// releaseTimeout bounds handle release calls, which run from eviction and
// shutdown paths that have no request context.
const releaseTimeout = 30 * time.Second

type remoteModel struct {
	client *Client
	id     string
	name   string
}

func (m *remoteModel) Name() string { return m.name }

func (m *remoteModel) Transcribe(ctx context.Context, wave audio.Waveform, opts inference.TranscribeOptions) (inference.Transcription, error) {
	query := url.Values{}
	if opts.BatchSize > 0 {
		query.Set("batch_size", strconv.Itoa(opts.BatchSize))
	}
	if opts.Language != "" {
		query.Set("language", opts.Language)
	}

	var result inference.Transcription
	if err := m.client.postWaveform(ctx, "/v1/models/"+url.PathEscape(m.id)+"/transcribe", query, wave, &result); err != nil {
		return inference.Transcription{}, fmt.Errorf("transcribe with %s: %w", m.name, err)
	}
	return result, nil
}

type remoteAlignModel struct {
	client   *Client
	id       string
	metadata inference.AlignMetadata
}

func (m *remoteAlignModel) Metadata() inference.AlignMetadata { return m.metadata }

func (m *remoteAlignModel) Close() error {
	return m.client.release("/v1/align-models/" + url.PathEscape(m.id))
}

type remoteDiarizer struct {
	client *Client
	id     string
}

func (d *remoteDiarizer) Diarize(ctx context.Context, wave audio.Waveform) ([]inference.SpeakerTurn, error) {
	var resp struct {
		Turns []inference.SpeakerTurn `json:"turns"`
	}
	if err := d.client.postWaveform(ctx, "/v1/diarizers/"+url.PathEscape(d.id)+"/diarize", nil, wave, &resp); err != nil {
		return nil, fmt.Errorf("diarize: %w", err)
	}
	return resp.Turns, nil
}

func (d *remoteDiarizer) Close() error {
	return d.client.release("/v1/diarizers/" + url.PathEscape(d.id))
}

func (c *Client) release(path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := c.do(ctx, http.MethodDelete, path, "", nil, nil); err != nil {
		return fmt.Errorf("release %s: %w", path, err)
	}
	return nil
}
