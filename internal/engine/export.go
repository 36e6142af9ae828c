package engine

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/praxisllmlab/tianjibatch/internal/model"
)

// Export is the downloadable result document of a batch.
type Export struct {
	Batch      Batch         `json:"batch"`
	Progress   Snapshot      `json:"progress"`
	ExportedAt time.Time     `json:"exported_at"`
	Results    []ExportEntry `json:"results"`
}

// ExportEntry is one item of an Export.
type ExportEntry struct {
	Index            int              `json:"index"`
	Payload          json.RawMessage  `json:"payload"`
	Status           ItemStatus       `json:"status"`
	Result           string           `json:"result,omitempty"`
	Error            string           `json:"error,omitempty"`
	ErrorClass       model.ErrorClass `json:"error_class,omitempty"`
	Attempts         int              `json:"attempts"`
	LatencyMS        float64          `json:"latency_ms"`
	PromptTokens     int              `json:"prompt_tokens"`
	CompletionTokens int              `json:"completion_tokens"`
	Cost             float64          `json:"cost"`
}

// BuildExport assembles the export document. Results are ordered by index
// regardless of the order items completed in.
func BuildExport(b Batch, items []RequestItem, progress Snapshot) Export {
	sorted := make([]RequestItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	results := make([]ExportEntry, 0, len(sorted))
	for _, it := range sorted {
		results = append(results, ExportEntry{
			Index:            it.Index,
			Payload:          it.Payload,
			Status:           it.Status,
			Result:           it.Result,
			Error:            it.Error,
			ErrorClass:       it.ErrorClass,
			Attempts:         it.Attempts,
			LatencyMS:        float64(it.Latency) / float64(time.Millisecond),
			PromptTokens:     it.PromptTokens,
			CompletionTokens: it.CompletionTokens,
			Cost:             it.Cost,
		})
	}
	return Export{
		Batch:      b,
		Progress:   progress,
		ExportedAt: time.Now().UTC(),
		Results:    results,
	}
}
