package inference

// Word is a word-level timing produced by alignment. Start and End are nil
// when the aligner could not place the word.
type Word struct {
	Word    string   `json:"word"`
	Start   *float64 `json:"start,omitempty"`
	End     *float64 `json:"end,omitempty"`
	Score   *float64 `json:"score,omitempty"`
	Speaker string   `json:"speaker,omitempty"`
}

// Segment is a span of text as returned by a model stage. Timing fields are
// optional on the wire.
type Segment struct {
	Text    string   `json:"text"`
	Start   *float64 `json:"start,omitempty"`
	End     *float64 `json:"end,omitempty"`
	Speaker string   `json:"speaker,omitempty"`
	Words   []Word   `json:"words,omitempty"`
}

type Transcription struct {
	Language string    `json:"language"`
	Segments []Segment `json:"segments"`
}

type AlignMetadata struct {
	Language string `json:"language"`
	Type     string `json:"type,omitempty"`
}

// SpeakerTurn is one diarized interval attributed to a speaker label.
type SpeakerTurn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

type DeviceInfo struct {
	Device            string  `json:"device"`
	Accelerator       bool    `json:"accelerator"`
	MemoryAllocatedMB float64 `json:"memory_allocated_mb"`
}

// Seconds coerces an optional timestamp; missing values read as zero.
func Seconds(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func Float(v float64) *float64 {
	return &v
}
