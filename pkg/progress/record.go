// Package progress reads and writes the worker progress document.
//
// Two historical shapes exist. worker-progress.json carries
// {"processed": n, "lastSeq": n}; the older finalize.json used
// {"processedParts": n, "lastProcessedSeq": n} (and snake_case variants).
// Decode accepts all of them; Encode writes the current, versioned shape.
package progress

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// CurrentVersion is stamped by Encode.
const CurrentVersion = 2

// ErrEmpty is returned for a zero-length document.
var ErrEmpty = errors.New("progress: empty document")

// Record is the normalized progress of the transcription worker.
// LastSeq is -1 until the first part has been processed.
type Record struct {
	Processed int `json:"processed"`
	LastSeq   int `json:"lastSeq"`
}

// Zero is the progress reported when nothing is known.
func Zero() Record { return Record{Processed: 0, LastSeq: -1} }

type wireRecord struct {
	Version   int  `json:"version"`
	Processed *int `json:"processed,omitempty"`
	LastSeq   *int `json:"lastSeq,omitempty"`

	// legacy aliases
	ProcessedParts   *int `json:"processedParts,omitempty"`
	ProcessedCount   *int `json:"processed_count,omitempty"`
	LastProcessedSeq *int `json:"lastProcessedSeq,omitempty"`
	LastSeqSnake     *int `json:"last_seq,omitempty"`
}

// Decode parses either document shape. Missing fields take the Zero values.
func Decode(data []byte) (Record, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Zero(), ErrEmpty
	}
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return Zero(), fmt.Errorf("progress: decode: %w", err)
	}
	rec := Zero()
	if v := firstSet(w.Processed, w.ProcessedParts, w.ProcessedCount); v != nil {
		rec.Processed = *v
	}
	if v := firstSet(w.LastSeq, w.LastProcessedSeq, w.LastSeqSnake); v != nil {
		rec.LastSeq = *v
	}
	if rec.Processed < 0 {
		rec.Processed = 0
	}
	if rec.LastSeq < -1 {
		rec.LastSeq = -1
	}
	return rec, nil
}

// Encode writes the current shape.
func Encode(r Record) ([]byte, error) {
	processed, lastSeq := r.Processed, r.LastSeq
	return json.Marshal(wireRecord{Version: CurrentVersion, Processed: &processed, LastSeq: &lastSeq})
}

func firstSet(vals ...*int) *int {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
