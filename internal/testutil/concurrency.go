package testutil

import (
	"context"
	"sync"
	"time"
)

// Timeline records when named executions ran. It is safe for concurrent use.
type Timeline struct {
	mu      sync.Mutex
	records map[string]*ExecutionRecord
	order   []string
}

// NewTimeline creates an empty Timeline.
func NewTimeline() *Timeline {
	return &Timeline{records: make(map[string]*ExecutionRecord)}
}

// Sleep records an execution of name that lasts d or until ctx ends.
func (tl *Timeline) Sleep(ctx context.Context, name string, d time.Duration) {
	start := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	tl.add(name, ExecutionRecord{Start: start, End: time.Now()})
}

func (tl *Timeline) add(name string, rec ExecutionRecord) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.records[name] = &rec
	tl.order = append(tl.order, name)
}

// Get returns the record of name, or nil when it never ran.
func (tl *Timeline) Get(name string) *ExecutionRecord {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.records[name]
}

// Finished returns the names in the order their executions ended.
func (tl *Timeline) Finished() []string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]string(nil), tl.order...)
}
