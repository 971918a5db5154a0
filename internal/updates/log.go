// Package updates holds the shared append-only log of update records.
package updates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/conveyance/internal/idgen"
	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/store"
)

// Log is the append-only update log. It keeps an in-memory copy of the
// records and mirrors every mutation to the store under store.KeyUpdates.
//
// All writes are serialized by the log's mutex and by store.Update, so two
// concurrent appends, in one process or across processes sharing a store,
// never lose a record.
type Log struct {
	store store.Store

	mu      sync.RWMutex
	records []model.UpdateRecord
	index   map[string]int
	pending map[string]model.UpdateRecord // written to memory, not yet to the store

	now   func() time.Time
	newID func() string
}

// New returns an empty log backed by s. Call Reload to pick up records
// already persisted.
func New(s store.Store) *Log {
	return &Log{
		store:   s,
		index:   make(map[string]int),
		pending: make(map[string]model.UpdateRecord),
		now:   func() time.Time { return time.Now().UTC() },
		newID: idgen.Update,
	}
}

// Append validates r, assigns an id and timestamp when absent, and stores it.
// The stored record is returned. If the store fails, the record is kept in
// memory and returned together with a *PersistenceError.
//
// Appending a record whose id is already in the log returns the existing
// record unchanged.
func (l *Log) Append(ctx context.Context, r model.UpdateRecord) (model.UpdateRecord, error) {
	if r.ID == "" {
		r.ID = l.newID()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = l.now()
	} else {
		r.Timestamp = r.Timestamp.UTC()
	}
	if r.Data == nil && r.Type.IsValid() {
		r.Data, _ = model.DecodePayload(r.Type, nil)
	}
	if err := model.ValidateUpdate(&r); err != nil {
		return model.UpdateRecord{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if i, ok := l.index[r.ID]; ok {
		return l.records[i], nil
	}

	merged, err := l.persist(ctx, "append", func(stored []model.UpdateRecord) []model.UpdateRecord {
		return appendMissing(stored, r)
	})
	if err != nil {
		l.add(r)
		l.pending[r.ID] = r
		return r, err
	}
	l.replace(merged)
	return r, nil
}

// All returns a copy of every record, oldest first.
func (l *Log) All() []model.UpdateRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.UpdateRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Filter returns the records matching f, oldest first.
func (l *Log) Filter(f model.UpdateFilter) []model.UpdateRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.UpdateRecord
	for _, r := range l.records {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}

// Get returns the record with the given id.
func (l *Log) Get(id string) (model.UpdateRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[id]
	if !ok {
		return model.UpdateRecord{}, false
	}
	return l.records[i], true
}

// Len returns the number of records in the log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// MarkRead sets read on the record with the given id. It reports whether the
// record changed: an unknown id or an already-read record is a no-op that
// returns false and no error.
func (l *Log) MarkRead(ctx context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.index[id]
	if !ok || l.records[i].Read {
		return false, nil
	}
	l.records[i].Read = true

	merged, err := l.persist(ctx, "mark read", func(stored []model.UpdateRecord) []model.UpdateRecord {
		for j := range stored {
			if stored[j].ID == id {
				stored[j].Read = true
			}
		}
		return stored
	})
	if err != nil {
		l.pending[id] = l.records[i]
		return true, err
	}
	l.replace(merged)
	return true, nil
}

// Reset removes every record from memory and from the store. The in-memory
// log is empty when Reset returns, even if the store delete fails.
func (l *Log) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = nil
	l.index = make(map[string]int)
	l.pending = make(map[string]model.UpdateRecord)
	if err := l.store.Delete(ctx, store.KeyUpdates); err != nil {
		return &PersistenceError{Op: "reset", Key: store.KeyUpdates, Err: err}
	}
	return nil
}

// Reload replaces the in-memory log with the persisted one and returns it.
// It is used at startup and when another context reports a storage change.
// On a read or parse failure the in-memory log is left as it was.
func (l *Log) Reload(ctx context.Context) ([]model.UpdateRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.store.Get(ctx, store.KeyUpdates)
	switch {
	case errors.Is(err, store.ErrKeyNotFound):
		l.replace(l.withPending(nil))
		return l.snapshot(), nil
	case err != nil:
		return l.snapshot(), &PersistenceError{Op: "reload", Key: store.KeyUpdates, Err: err}
	}
	recs, err := decodeRecords(raw)
	if err != nil {
		return l.snapshot(), &PersistenceError{Op: "reload", Key: store.KeyUpdates, Err: err}
	}
	l.replace(l.withPending(recs))
	return l.snapshot(), nil
}

// Merge applies records received from another context. Records whose id is
// already known are not added again; a known record arriving with read set
// marks the local copy read. Merge returns the records that were added or
// changed, in arrival order.
func (l *Log) Merge(ctx context.Context, incoming ...model.UpdateRecord) ([]model.UpdateRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var changed, added []model.UpdateRecord
	read := make(map[string]bool)
	for _, r := range incoming {
		if r.ID == "" {
			continue
		}
		if i, ok := l.index[r.ID]; ok {
			if r.Read && !l.records[i].Read {
				l.records[i].Read = true
				read[r.ID] = true
				changed = append(changed, l.records[i])
			}
			continue
		}
		r.Timestamp = r.Timestamp.UTC()
		l.add(r)
		added = append(added, r)
		changed = append(changed, r)
	}
	if len(changed) == 0 {
		return nil, nil
	}

	merged, err := l.persist(ctx, "merge", func(stored []model.UpdateRecord) []model.UpdateRecord {
		for j := range stored {
			if read[stored[j].ID] {
				stored[j].Read = true
			}
		}
		return appendMissing(stored, added...)
	})
	if err != nil {
		for _, r := range changed {
			l.pending[r.ID] = l.records[l.index[r.ID]]
		}
		return changed, err
	}
	l.replace(merged)
	return changed, nil
}

// persist runs an atomic read-modify-write of the persisted log. fn receives
// the stored records and returns the new list. Records whose earlier write
// failed are written back first; nothing else from memory is, so a reset made
// by another process sharing the store is not undone. Caller must hold l.mu.
func (l *Log) persist(ctx context.Context, op string, fn func([]model.UpdateRecord) []model.UpdateRecord) ([]model.UpdateRecord, error) {
	var merged []model.UpdateRecord
	err := l.store.Update(ctx, store.KeyUpdates, func(cur string, exists bool) (string, error) {
		var stored []model.UpdateRecord
		if exists && cur != "" {
			recs, err := decodeRecords(cur)
			if err != nil {
				slog.Warn("update log: discarding unreadable persisted log", "key", store.KeyUpdates, "error", err)
			} else {
				stored = recs
			}
		}
		stored = l.applyPending(stored)
		merged = fn(stored)
		b, err := json.Marshal(merged)
		if err != nil {
			return "", fmt.Errorf("encode records: %w", err)
		}
		return string(b), nil
	})
	if err != nil {
		return nil, &PersistenceError{Op: op, Key: store.KeyUpdates, Err: err}
	}
	clear(l.pending)
	return merged, nil
}

// applyPending folds records whose write failed into stored: missing ones
// are appended, and a pending read flag is carried over. Caller must hold l.mu.
func (l *Log) applyPending(stored []model.UpdateRecord) []model.UpdateRecord {
	if len(l.pending) == 0 {
		return stored
	}
	at := make(map[string]int, len(stored))
	for j, r := range stored {
		at[r.ID] = j
	}
	// Keep log order for the appended ones.
	for _, r := range l.records {
		p, ok := l.pending[r.ID]
		if !ok {
			continue
		}
		if j, found := at[r.ID]; found {
			stored[j].Read = stored[j].Read || p.Read
			continue
		}
		at[r.ID] = len(stored)
		stored = append(stored, p)
	}
	return stored
}

// withPending appends pending records missing from recs, in log order.
// Caller must hold l.mu.
func (l *Log) withPending(recs []model.UpdateRecord) []model.UpdateRecord {
	for _, r := range l.records {
		if p, ok := l.pending[r.ID]; ok {
			recs = appendMissing(recs, p)
		}
	}
	return recs
}

// add appends r to the in-memory log. Caller must hold l.mu.
func (l *Log) add(r model.UpdateRecord) {
	l.index[r.ID] = len(l.records)
	l.records = append(l.records, r)
}

// replace swaps the in-memory log for recs. A record read locally stays read.
// Caller must hold l.mu.
func (l *Log) replace(recs []model.UpdateRecord) {
	read := make(map[string]bool, len(l.records))
	for _, r := range l.records {
		if r.Read {
			read[r.ID] = true
		}
	}
	l.records = make([]model.UpdateRecord, 0, len(recs))
	l.index = make(map[string]int, len(recs))
	for _, r := range recs {
		if _, dup := l.index[r.ID]; dup {
			continue
		}
		if read[r.ID] {
			r.Read = true
		}
		l.add(r)
	}
}

func (l *Log) snapshot() []model.UpdateRecord {
	out := make([]model.UpdateRecord, len(l.records))
	copy(out, l.records)
	return out
}

// appendMissing appends each of add whose id is not already in recs.
func appendMissing(recs []model.UpdateRecord, add ...model.UpdateRecord) []model.UpdateRecord {
	seen := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		seen[r.ID] = struct{}{}
	}
	for _, r := range add {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		recs = append(recs, r)
	}
	return recs
}

func decodeRecords(raw string) ([]model.UpdateRecord, error) {
	var recs []model.UpdateRecord
	if err := json.Unmarshal([]byte(raw), &recs); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return recs, nil
}
