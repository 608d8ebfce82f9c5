package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory RunStore for tests and for runs that do not
// need durability. Safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]*Run
	checkpoints map[string]*Checkpoint
	events      map[string][]*Event
	jobs        map[string]*ScheduledJob
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]*Run),
		checkpoints: make(map[string]*Checkpoint),
		events:      make(map[string][]*Event),
		jobs:        make(map[string]*ScheduledJob),
	}
}

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return storeConflict("run", run.ID)
	}
	c := *run
	c.CreatedAt = timeOrNow(c.CreatedAt)
	c.UpdatedAt = timeOrNow(c.UpdatedAt)
	m.runs[run.ID] = &c
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	c := *run
	return &c, nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, id string, update RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Output != nil {
		run.Output = update.Output
	}
	if update.Error != nil {
		run.Error = update.Error
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var runs []*Run
	for _, run := range m.runs {
		if filter.Workflow != "" && run.Workflow != filter.Workflow {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && run.CreatedAt.Before(*filter.Since) {
			continue
		}
		c := *run
		runs = append(runs, &c)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(runs) {
			return nil, nil
		}
		runs = runs[filter.Offset:]
	}
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

func (m *MemoryStore) DeleteRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; !ok {
		return storeNotFound("run", id)
	}
	delete(m.runs, id)
	return nil
}

// --- Checkpoints ---

func (m *MemoryStore) SaveCheckpoint(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cp
	c.CreatedAt = timeOrNow(c.CreatedAt)
	m.checkpoints[cp.ID] = &c
	return nil
}

func (m *MemoryStore) GetCheckpoint(_ context.Context, id string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return nil, storeNotFound("checkpoint", id)
	}
	c := *cp
	return &c, nil
}

func (m *MemoryStore) LatestCheckpoint(_ context.Context, runID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Checkpoint
	for _, cp := range m.checkpoints {
		if cp.RunID != runID {
			continue
		}
		if latest == nil || cp.CreatedAt.After(latest.CreatedAt) ||
			(cp.CreatedAt.Equal(latest.CreatedAt) && cp.NextStep > latest.NextStep) {
			latest = cp
		}
	}
	if latest == nil {
		return nil, storeNotFound("checkpoint for run", runID)
	}
	c := *latest
	return &c, nil
}

func (m *MemoryStore) ListCheckpoints(_ context.Context, runID string) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var cps []*Checkpoint
	for _, cp := range m.checkpoints {
		if cp.RunID != runID {
			continue
		}
		c := *cp
		cps = append(cps, &c)
	}
	sort.Slice(cps, func(i, j int) bool {
		return cps[i].CreatedAt.Before(cps[j].CreatedAt)
	})
	return cps, nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.events[event.RunID]
	e := *event
	e.Sequence = int64(len(log)) + 1
	e.ID = e.Sequence
	e.Timestamp = timeOrNow(e.Timestamp)
	m.events[event.RunID] = append(log, &e)
	event.Sequence = e.Sequence
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []*Event
	for _, e := range m.events[runID] {
		if e.Sequence <= since {
			continue
		}
		c := *e
		events = append(events, &c)
	}
	return events, nil
}

func (m *MemoryStore) GetEventsByType(_ context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []*Event
	for runID, log := range m.events {
		if filter.RunID != "" && filter.RunID != runID {
			continue
		}
		for _, e := range log {
			if e.Type != eventType {
				continue
			}
			if filter.StepName != "" && e.StepName != filter.StepName {
				continue
			}
			if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
				continue
			}
			c := *e
			events = append(events, &c)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, nil
}

// --- Scheduled Jobs ---

func (m *MemoryStore) CreateScheduledJob(_ context.Context, job *ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return storeConflict("scheduled_job", job.ID)
	}
	c := *job
	c.CreatedAt = timeOrNow(c.CreatedAt)
	m.jobs[job.ID] = &c
	return nil
}

func (m *MemoryStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, storeNotFound("scheduled_job", id)
	}
	c := *job
	return &c, nil
}

func (m *MemoryStore) UpdateScheduledJob(_ context.Context, id string, update ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return storeNotFound("scheduled_job", id)
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		job.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		job.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		job.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *MemoryStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*ScheduledJob
	for _, job := range m.jobs {
		if filter.Workflow != "" && job.Workflow != filter.Workflow {
			continue
		}
		if filter.Enabled != nil && job.Enabled != *filter.Enabled {
			continue
		}
		c := *job
		jobs = append(jobs, &c)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (m *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return storeNotFound("scheduled_job", id)
	}
	delete(m.jobs, id)
	return nil
}

// --- Maintenance ---

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
