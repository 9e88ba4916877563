package pipeline

import (
	"strings"

	"github.com/fmueller/voxscribe/internal/inference"
)

type Segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	// Speaker is only set when diarization ran.
	Speaker string `json:"speaker,omitempty"`
}

type Result struct {
	RequestID string    `json:"request_id"`
	Language  string    `json:"language"`
	Segments  []Segment `json:"segments"`
	Text      string    `json:"text"`
}

func assemble(requestID, language string, segments []inference.Segment, diarized bool) Result {
	out := make([]Segment, 0, len(segments))
	texts := make([]string, 0, len(segments))
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		s := Segment{
			Text:  text,
			Start: inference.Seconds(seg.Start),
			End:   inference.Seconds(seg.End),
		}
		if diarized {
			s.Speaker = seg.Speaker
		}
		out = append(out, s)
		if text != "" {
			texts = append(texts, text)
		}
	}

	return Result{
		RequestID: requestID,
		Language:  language,
		Segments:  out,
		Text:      strings.Join(texts, " "),
	}
}
