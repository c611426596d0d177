// Package dispatch orders translated records into batches for the updater
// pool. Records that share a lineage keep their relative order while
// unrelated lineages are applied concurrently.
package dispatch

import (
	"sort"

	"github.com/lustre-irods/connector/translate"
)

// Status is the outcome of applying one record
type Status string

const (
	// StatusSucceeded means the catalog reflects the record
	StatusSucceeded Status = "succeeded"
	// StatusRejected means the catalog refused the record for structural
	// reasons. It is never retried and does not hold the cursor.
	StatusRejected Status = "rejected"
	// StatusRetry means the record was not applied and will be redelivered
	StatusRetry Status = "retry"
	// StatusFailed means redelivery is exhausted. The record holds the cursor
	// and stays queued; it is reported failed again each time it is attempted
	// and does not apply.
	StatusFailed Status = "failed"
)

// Resolved reports whether the cursor may pass a record with this status
func (s Status) Resolved() bool {
	return s == StatusSucceeded || s == StatusRejected
}

// Batch is an ordered group of records applied by one worker
type Batch struct {
	ID      uint64
	Records []translate.Record
}

// Outcome is the result for one record of a batch
type Outcome struct {
	Record   translate.Record
	Status   Status
	Err      string
	Attempts int
}

// Seq returns the changelog index of the record
func (o Outcome) Seq() uint64 {
	return o.Record.Seq()
}

// Result is the outcome of one batch. Watermark is the highest index of the
// batch below which every record resolved.
type Result struct {
	BatchID   uint64
	Outcomes  []Outcome
	Watermark uint64
}

// ComputeWatermark recomputes Watermark from Outcomes
func (r *Result) ComputeWatermark() {
	sort.SliceStable(r.Outcomes, func(i, j int) bool {
		return r.Outcomes[i].Seq() < r.Outcomes[j].Seq()
	})
	r.Watermark = 0
	for _, o := range r.Outcomes {
		if !o.Status.Resolved() {
			break
		}
		r.Watermark = o.Seq()
	}
}

// Counts returns the number of outcomes per status
func (r *Result) Counts() map[Status]int {
	counts := make(map[Status]int, 4)
	for _, o := range r.Outcomes {
		counts[o.Status]++
	}
	return counts
}
