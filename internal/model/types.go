package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Prompt is the search state handed out by the program store. It is
// immutable once retrieved.
type Prompt struct {
	VersionedRecord
	ID       string `json:"id"`
	Code     string `json:"code"`
	IslandID int    `json:"island_id"`
	Version  int    `json:"version_generated"`
}

// Submission is one candidate program addressed to an analysis worker.
type Submission struct {
	ID        string    `json:"id"`
	SamplerID string    `json:"sampler_id,omitempty"`
	PromptID  string    `json:"prompt_id,omitempty"`
	IslandID  int       `json:"island_id"`
	Version   int       `json:"version_generated"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

// NewSubmission tags a generated candidate with the prompt it came from.
func NewSubmission(id, samplerID string, prompt Prompt, candidate string, now time.Time) Submission {
	return Submission{
		ID:        id,
		SamplerID: samplerID,
		PromptID:  prompt.ID,
		IslandID:  prompt.IslandID,
		Version:   prompt.Version,
		Code:      candidate,
		CreatedAt: now.UTC(),
	}
}
