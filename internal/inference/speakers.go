package inference

import "math"

// AssignSpeakers labels every segment, and every timed word inside it, with
// the speaker whose turns overlap it the longest. Spans with no overlapping
// turn keep an empty speaker. The input slice is not modified.
func AssignSpeakers(turns []SpeakerTurn, segments []Segment) []Segment {
	out := make([]Segment, len(segments))
	for i, seg := range segments {
		seg.Speaker = dominantSpeaker(turns, Seconds(seg.Start), Seconds(seg.End))

		if len(seg.Words) > 0 {
			words := make([]Word, len(seg.Words))
			for j, word := range seg.Words {
				if word.Start != nil && word.End != nil {
					word.Speaker = dominantSpeaker(turns, *word.Start, *word.End)
				}
				words[j] = word
			}
			seg.Words = words
		}

		out[i] = seg
	}
	return out
}

func dominantSpeaker(turns []SpeakerTurn, start, end float64) string {
	totals := make(map[string]float64)
	for _, turn := range turns {
		overlap := math.Min(turn.End, end) - math.Max(turn.Start, start)
		if overlap > 0 {
			totals[turn.Speaker] += overlap
		}
	}

	var (
		best     string
		bestSpan float64
	)
	for speaker, span := range totals {
		if span > bestSpan || (span == bestSpan && speaker < best) {
			best, bestSpan = speaker, span
		}
	}
	return best
}
