package repository

import (
	"context"
	"sort"
	"sync"

	"telemetry-pipeline/internal/model"
)

type memoryRepository struct {
	mu       sync.Mutex
	nextID   int64
	rows     []QueuedMessage
	sessions map[string]model.SessionRecord
	pushes   []model.PushMessage
}

// MemoryRepository is a Repository that also exposes its push rows for
// inspection.
type MemoryRepository interface {
	Repository
	PushMessages() []model.PushMessage
}

// NewMemoryRepository returns a process-local Repository. Its contents do
// not survive a restart.
func NewMemoryRepository() MemoryRepository {
	return &memoryRepository{sessions: make(map[string]model.SessionRecord)}
}

func (r *memoryRepository) Append(_ context.Context, msg model.Message) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.rows = append(r.rows, QueuedMessage{ID: r.nextID, CreatedAt: msg.Timestamp, Message: msg})
	return r.nextID, nil
}

func (r *memoryRepository) SelectBatch(_ context.Context, maxCount int, notBefore int64) ([]QueuedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]QueuedMessage, 0, maxCount)
	for _, row := range r.rows {
		if len(out) == maxCount {
			break
		}
		if row.CreatedAt < notBefore {
			continue
		}
		out = append(out, row)
	}
	return groupBySession(out), nil
}

func (r *memoryRepository) DeleteByIDs(_ context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.rows[:0]
	for _, row := range r.rows {
		if _, ok := drop[row.ID]; !ok {
			kept = append(kept, row)
		}
	}
	r.rows = kept
	return nil
}

func (r *memoryRepository) DeleteOlderThan(_ context.Context, before int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.rows[:0]
	for _, row := range r.rows {
		if row.CreatedAt >= before {
			kept = append(kept, row)
		}
	}
	r.rows = kept
	return nil
}

func (r *memoryRepository) CreateSession(_ context.Context, rec model.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.Status == "" {
		rec.Status = model.SessionActive
	}
	r.sessions[rec.ID] = rec
	return nil
}

func (r *memoryRepository) GetSession(_ context.Context, id string) (model.SessionRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	return rec, ok, nil
}

func (r *memoryRepository) UpdateSessionEnd(_ context.Context, id string, endTime, foregroundLength int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return nil
	}
	rec.EndTime = endTime
	rec.ForegroundLength = foregroundLength
	r.sessions[id] = rec
	return nil
}

func (r *memoryRepository) UpdateSessionAttributes(_ context.Context, id string, attrs map[string]model.Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return nil
	}
	rec.Attributes = attrs
	r.sessions[id] = rec
	return nil
}

func (r *memoryRepository) MarkSessionEnded(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return nil
	}
	rec.Status = model.SessionEnded
	r.sessions[id] = rec
	return nil
}

func (r *memoryRepository) SelectOpenSessions(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	open := make([]model.SessionRecord, 0)
	for _, rec := range r.sessions {
		if rec.Status == model.SessionActive {
			open = append(open, rec)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		if open[i].StartTime == open[j].StartTime {
			return open[i].ID < open[j].ID
		}
		return open[i].StartTime < open[j].StartTime
	})
	ids := make([]string, len(open))
	for i, rec := range open {
		ids[i] = rec.ID
	}
	return ids, nil
}

func (r *memoryRepository) DeleteEndedSessions(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	queued := make(map[string]struct{})
	for _, row := range r.rows {
		queued[row.Message.SessionID] = struct{}{}
	}
	for id, rec := range r.sessions {
		if rec.Status != model.SessionEnded {
			continue
		}
		if _, ok := queued[id]; !ok {
			delete(r.sessions, id)
		}
	}
	return nil
}

func (r *memoryRepository) InsertPush(_ context.Context, p model.PushMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, p)
	return nil
}

func (r *memoryRepository) MarkInfluenceOpen(_ context.Context, from, to int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.pushes {
		if r.pushes[i].CreatedAt >= from && r.pushes[i].CreatedAt <= to {
			r.pushes[i].Behavior |= model.PushFlagInfluenceOpen
		}
	}
	return nil
}

func (r *memoryRepository) ClearProviderMessages(_ context.Context, before int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.pushes[:0]
	for _, p := range r.pushes {
		if p.CreatedAt <= before && p.Behavior&model.PushFlagDisplayed == 0 {
			continue
		}
		kept = append(kept, p)
	}
	r.pushes = kept
	return nil
}

func (r *memoryRepository) PushMessages() []model.PushMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.PushMessage(nil), r.pushes...)
}
