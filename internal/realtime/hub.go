// Package realtime is the single access point for sending and observing
// transaction updates. A Hub owns the update log and document registry of
// one context, notifies local subscribers synchronously, and publishes every
// change on the cross-context bus.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/conveyance/internal/documents"
	"github.com/alfredjeanlab/conveyance/internal/events"
	"github.com/alfredjeanlab/conveyance/internal/idgen"
	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/proposals"
	"github.com/alfredjeanlab/conveyance/internal/store"
	"github.com/alfredjeanlab/conveyance/internal/updates"
)

// ChangeKind says what a Change describes.
type ChangeKind string

const (
	ChangeAppended ChangeKind = "appended"
	ChangeRead     ChangeKind = "read"
	ChangeMerged   ChangeKind = "merged"
	ChangeReloaded ChangeKind = "reloaded"
	ChangeReset    ChangeKind = "reset"
)

// Change is delivered to subscribers after every mutation of the log.
// Remote is set when the change arrived from another context.
type Change struct {
	Kind     ChangeKind
	Records  []model.UpdateRecord
	RecordID string
	Remote   bool
}

// ResetHook clears state a collaborator keeps outside the core.
type ResetHook func(ctx context.Context) error

// Config holds the optional collaborators and tuning of a Hub.
type Config struct {
	// Origin names this context on the bus. Generated when empty.
	Origin string
	// Publisher carries changes to other contexts. Nil disables publishing.
	Publisher events.Publisher
	// Proposals is cleared on reset and kept in step with remote
	// completion-date updates.
	Proposals *proposals.Book
	// SendTimeout bounds SendUpdate and DownloadDocument. Default 5s.
	SendTimeout time.Duration
	// PublishAttempts is the number of tries per bus message. Default 3.
	PublishAttempts int
	// PublishBackoff is the wait before the first retry; it doubles after
	// each failure. Default 100ms.
	PublishBackoff time.Duration
}

// Hub is safe for concurrent use.
type Hub struct {
	origin    string
	log       *updates.Log
	docs      *documents.Registry
	proposals *proposals.Book
	pub       events.Publisher

	sendTimeout time.Duration
	attempts    int
	backoff     time.Duration

	// resetMu orders resets against every other mutation: a reset waits for
	// in-flight sends and no send starts while a reset runs.
	resetMu sync.RWMutex

	mu      sync.RWMutex
	subs    map[int]func(Change)
	nextSub int
	hooks   []ResetHook
}

// New returns a hub over log and docs.
func New(log *updates.Log, docs *documents.Registry, cfg Config) *Hub {
	h := &Hub{
		origin:      cfg.Origin,
		log:         log,
		docs:        docs,
		proposals:   cfg.Proposals,
		pub:         cfg.Publisher,
		sendTimeout: cfg.SendTimeout,
		attempts:    cfg.PublishAttempts,
		backoff:     cfg.PublishBackoff,
		subs:        make(map[int]func(Change)),
	}
	if h.origin == "" {
		h.origin = idgen.Context()
	}
	if h.pub == nil {
		h.pub = &events.NoopPublisher{}
	}
	if h.sendTimeout <= 0 {
		h.sendTimeout = 5 * time.Second
	}
	if h.attempts <= 0 {
		h.attempts = 3
	}
	if h.backoff <= 0 {
		h.backoff = 100 * time.Millisecond
	}
	return h
}

// Origin returns the context id this hub publishes under.
func (h *Hub) Origin() string { return h.origin }

// Log returns the hub's update log.
func (h *Hub) Log() *updates.Log { return h.log }

// Documents returns the hub's document registry.
func (h *Hub) Documents() *documents.Registry { return h.docs }

// Subscribe registers fn to receive every Change. fn runs synchronously on
// the goroutine that made the change and must not block or call back into
// the hub's mutating methods. Call the returned function to unsubscribe.
func (h *Hub) Subscribe(fn func(Change)) func() {
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// OnReset registers a hook run by ResetToDefault after the core state is
// cleared. Hooks run in registration order and must not call back into the
// hub.
func (h *Hub) OnReset(fn ResetHook) {
	h.mu.Lock()
	h.hooks = append(h.hooks, fn)
	h.mu.Unlock()
}

// Updates returns the full log, oldest first.
func (h *Hub) Updates() []model.UpdateRecord {
	return h.log.All()
}

// SendUpdate appends r to the log, notifies local subscribers, and publishes
// the record to other contexts. A *updates.PersistenceError is returned
// alongside the stored record when only persistence failed.
func (h *Hub) SendUpdate(ctx context.Context, r model.UpdateRecord) (model.UpdateRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()

	h.resetMu.RLock()
	defer h.resetMu.RUnlock()
	return h.sendLocked(ctx, r)
}

func (h *Hub) sendLocked(ctx context.Context, r model.UpdateRecord) (model.UpdateRecord, error) {
	rec, err := h.log.Append(ctx, r)
	if err != nil && !isPersistence(err) {
		return model.UpdateRecord{}, err
	}
	if err != nil {
		slog.Warn("update not persisted", "update_id", rec.ID, "error", err)
	}
	h.notify(Change{Kind: ChangeAppended, Records: []model.UpdateRecord{rec}})
	h.publish(ctx, events.Envelope{Topic: events.TopicUpdateAppended, Record: &rec})
	return rec, err
}

// MarkAsRead marks the record read. Unknown ids are ignored.
func (h *Hub) MarkAsRead(ctx context.Context, id string) error {
	h.resetMu.RLock()
	defer h.resetMu.RUnlock()

	changed, err := h.log.MarkRead(ctx, id)
	if err != nil {
		slog.Warn("read flag not persisted", "update_id", id, "error", err)
	}
	if !changed {
		return err
	}
	h.notify(Change{Kind: ChangeRead, RecordID: id})
	h.publish(ctx, events.Envelope{Topic: events.TopicUpdateRead, RecordID: id})
	return err
}

// GetDocumentsForRole returns documents addressed to role within stage. An
// empty stage matches all stages.
func (h *Hub) GetDocumentsForRole(role model.Role, stage model.Stage) []model.DocumentRecord {
	return h.docs.ForRole(role, stage)
}

// SendDocument registers a document for its recipient and emits
// document_uploaded.
func (h *Hub) SendDocument(ctx context.Context, in documents.SendInput) (model.DocumentRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()

	h.resetMu.RLock()
	defer h.resetMu.RUnlock()

	doc, err := h.docs.Send(ctx, in)
	if err != nil && !isPersistence(err) {
		return model.DocumentRecord{}, err
	}
	if err != nil {
		slog.Warn("document not persisted", "document_id", doc.ID, "error", err)
	}
	_, uerr := h.sendLocked(ctx, model.UpdateRecord{
		Type:        model.UpdateDocumentUploaded,
		Stage:       doc.Stage,
		Role:        doc.UploadedBy,
		Title:       "Document sent: " + doc.Name,
		Description: doc.CoverMessage,
		Timestamp:   doc.UploadedAt,
		Data: model.DocumentUploaded{
			DocumentID: doc.ID,
			Name:       doc.Name,
			Recipient:  doc.Recipient,
			Size:       doc.Size,
			Priority:   doc.Priority,
			Deadline:   doc.Deadline,
		},
	})
	return doc, firstErr(err, uerr)
}

// DownloadDocument returns the document's bytes on behalf of role and
// records the download. It returns nil, nil when the document does not
// exist; errors are reserved for genuine read failures.
func (h *Hub) DownloadDocument(ctx context.Context, id string, role model.Role) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()

	h.resetMu.RLock()
	defer h.resetMu.RUnlock()

	doc, data, err := h.docs.Download(ctx, id, role)
	switch {
	case errors.Is(err, model.ErrNotFound):
		slog.Warn("download of unknown document", "document_id", id, "role", role)
		return nil, nil
	case err != nil && !isPersistence(err):
		return nil, err
	case err != nil:
		slog.Warn("download not persisted", "document_id", id, "error", err)
	}

	_, uerr := h.sendLocked(ctx, model.UpdateRecord{
		Type:  model.UpdateDocumentDownloaded,
		Stage: doc.Stage,
		Role:  role,
		Title: "Document downloaded: " + doc.Name,
		Data: model.DocumentDownloaded{
			DocumentID:    doc.ID,
			DownloadedBy:  role,
			DownloadCount: doc.DownloadCount,
		},
	})
	return data, firstErr(err, uerr)
}

// MarkDocumentAsReviewed moves a downloaded document to reviewed on behalf of
// role and emits document_reviewed. Reviewing twice is a no-op. A missing
// document yields model.ErrNotFound; a document not yet downloaded yields
// model.ErrInvalidTransition.
func (h *Hub) MarkDocumentAsReviewed(ctx context.Context, id string, role model.Role) error {
	h.resetMu.RLock()
	defer h.resetMu.RUnlock()

	doc, changed, err := h.docs.Review(ctx, id, role)
	switch {
	case errors.Is(err, model.ErrNotFound):
		slog.Warn("review of unknown document", "document_id", id, "role", role)
		return err
	case err != nil && !isPersistence(err):
		return err
	case err != nil:
		slog.Warn("review not persisted", "document_id", id, "error", err)
	}
	if !changed {
		return nil
	}
	if role == "" {
		role = doc.Recipient
	}
	_, uerr := h.sendLocked(ctx, model.UpdateRecord{
		Type:  model.UpdateDocumentReviewed,
		Stage: doc.Stage,
		Role:  role,
		Title: "Document reviewed: " + doc.Name,
		Data:  model.DocumentReviewed{DocumentID: doc.ID, ReviewedBy: role},
	})
	return firstErr(err, uerr)
}

// ResetToDefault clears the log, the proposals and the documents, then runs
// the reset hooks in registration order, then notifies subscribers and
// broadcasts the reset to other contexts. The core is empty before any hook
// runs.
func (h *Hub) ResetToDefault(ctx context.Context) error {
	return h.reset(ctx, false)
}

func (h *Hub) reset(ctx context.Context, remote bool) error {
	h.resetMu.Lock()
	defer h.resetMu.Unlock()

	var errs []error
	if err := h.log.Reset(ctx); err != nil {
		errs = append(errs, err)
	}
	if h.proposals != nil {
		if err := h.proposals.Reset(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.docs.Reset(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, err := range errs {
		slog.Warn("reset not persisted", "error", err)
	}

	h.mu.RLock()
	hooks := append([]ResetHook(nil), h.hooks...)
	h.mu.RUnlock()
	for i, hook := range hooks {
		if err := hook(ctx); err != nil {
			slog.Warn("reset hook failed", "hook", i, "error", err)
		}
	}

	marker := model.UpdateRecord{
		ID:        idgen.Update(),
		Type:      model.UpdatePlatformReset,
		Title:     "Platform reset",
		Data:      model.PlatformReset{},
		Timestamp: time.Now().UTC(),
	}
	h.notify(Change{Kind: ChangeReset, Records: []model.UpdateRecord{marker}, Remote: remote})
	if !remote {
		h.publish(ctx, events.Envelope{Topic: events.TopicPlatformReset, Record: &marker})
	}
	return errors.Join(errs...)
}

// Reload re-reads the log, proposals and documents from the store, notifies
// subscribers, and asks other contexts to do the same.
func (h *Hub) Reload(ctx context.Context) error {
	err := h.reload(ctx, "", false)
	h.publish(ctx, events.Envelope{Topic: events.TopicStorageChanged})
	return err
}

func (h *Hub) reload(ctx context.Context, key string, remote bool) error {
	h.resetMu.RLock()
	defer h.resetMu.RUnlock()

	var errs []error
	if key == "" || key == store.KeyUpdates {
		recs, err := h.log.Reload(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		h.notify(Change{Kind: ChangeReloaded, Records: recs, Remote: remote})
	}
	if (key == "" || key == store.KeyProposals) && h.proposals != nil {
		if err := h.proposals.Reload(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if key == "" || key == store.KeyDocuments {
		if err := h.docs.Reload(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) notify(c Change) {
	h.mu.RLock()
	fns := make([]func(Change), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}

// publish sends env on the bus, retrying with exponential backoff. Failures
// are logged; other contexts catch up on their next reload.
func (h *Hub) publish(ctx context.Context, env events.Envelope) {
	// The change is already applied locally, so a caller giving up does not
	// cancel its broadcast.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.sendTimeout)
	defer cancel()
	env.Origin = h.origin
	wait := h.backoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = h.pub.Publish(ctx, env.Topic, env); err == nil {
			return
		}
		if attempt == h.attempts {
			break
		}
		select {
		case <-ctx.Done():
			slog.Warn("failed to publish event", "topic", env.Topic, "attempts", attempt, "error", fmt.Errorf("%w: %v", ctx.Err(), err))
			return
		case <-time.After(wait):
			wait *= 2
		}
	}
	slog.Warn("failed to publish event", "topic", env.Topic, "attempts", h.attempts, "error", err)
}

func isPersistence(err error) bool {
	var pe *updates.PersistenceError
	return errors.As(err, &pe)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
