// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"time"
)

// Stage identifies one phase of the ingestion pipeline.
type Stage string

// Pipeline stages in execution order.
const (
	StageDiscover Stage = "discover"
	StageExtract  Stage = "extract"
	StageClassify Stage = "classify"
	StageIndex    Stage = "index"
)

// StageAll selects a full pipeline run across every stage in order.
const StageAll Stage = "all"

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageDiscover, StageExtract, StageClassify, StageIndex}

// Next returns the stage that follows s, or false for the last stage.
func (s Stage) Next() (Stage, bool) {
	for i, st := range Stages {
		if st == s && i+1 < len(Stages) {
			return Stages[i+1], true
		}
	}
	return "", false
}

// Valid reports whether s names a real stage (StageAll excluded).
func (s Stage) Valid() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

// Status represents the lifecycle state of a work item within one stage.
type Status string

// Work item status values persisted in the checkpoint store.
const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// WorkItem is the unit of progress tracked by the checkpoint store. The
// checkpoint store owns the authoritative status; workers borrow an item for
// the duration of one attempt and return an Outcome.
type WorkItem struct {
	ID          string    `json:"id"`
	Stage       Stage     `json:"stage"`
	Payload     string    `json:"payload"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	NotBefore   time.Time `json:"not_before,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Outcome records the result of one processing attempt for a WorkItem.
// Status must be Done, Failed, or Pending (retry with NotBefore set).
type Outcome struct {
	Status      Status
	ArtifactRef string
	Reason      string
	NotBefore   time.Time
}

// StageResult is what a stage operation produces for a successfully
// processed item: an artifact reference, records bound for the batch
// writer, and derived work items seeded into the next stage.
type StageResult struct {
	ArtifactRef string
	Records     []any
	Derived     []WorkItem
}

// Progress is a read-only aggregate of checkpoint state for one stage.
// It is derived from the store and never the source of truth. Retrying
// counts pending items that have already failed at least one attempt,
// so operators can tell "still working" from "needs intervention".
type Progress struct {
	Stage    Stage `json:"stage"`
	Total    int64 `json:"total"`
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
	Done     int64 `json:"done"`
	Failed   int64 `json:"failed"`
	Retrying int64 `json:"retrying"`
}

// Remaining returns the number of items not yet in a terminal state.
func (p Progress) Remaining() int64 {
	return p.Pending + p.InFlight
}

// Posting is the structured record extracted from one job posting page.
type Posting struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Company     string    `json:"company"`
	Location    string    `json:"location"`
	Description string    `json:"description"`
	PostedAt    time.Time `json:"posted_at,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	BlobURI     string    `json:"blob_uri,omitempty"`
}

// Labels is the structured classification returned by the inference service.
type Labels struct {
	Category   string `json:"category"`
	Seniority  string `json:"seniority"`
	Remote     bool   `json:"remote"`
	SalaryBand string `json:"salary_band,omitempty"`
}

// ClassifiedPosting pairs a posting with its labels for indexing.
type ClassifiedPosting struct {
	Posting Posting `json:"posting"`
	Labels  Labels  `json:"labels"`
}
