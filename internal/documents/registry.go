// Package documents tracks documents sent between roles and their delivery
// status. Status only moves forward: delivered, then downloaded, then
// reviewed.
package documents

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/conveyance/internal/idgen"
	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/store"
	"github.com/alfredjeanlab/conveyance/internal/updates"
)

// SendInput describes a document being sent to another role.
type SendInput struct {
	Name         string                 `json:"name"`
	Stage        model.Stage            `json:"stage"`
	UploadedBy   model.Role             `json:"uploadedBy"`
	Recipient    model.Role             `json:"recipient"`
	Content      []byte                 `json:"content,omitempty"`
	CoverMessage string                 `json:"coverMessage,omitempty"`
	Deadline     *time.Time             `json:"deadline,omitempty"`
	Priority     model.DocumentPriority `json:"priority,omitempty"`
}

// Validate checks the input before a document record is created.
func (in SendInput) Validate() error {
	var ve model.ValidationError
	if in.Name == "" {
		ve.Errors = append(ve.Errors, model.FieldError{Field: "name", Message: "is required"})
	}
	if !in.Stage.IsValid() {
		ve.Errors = append(ve.Errors, model.FieldError{Field: "stage", Message: fmt.Sprintf("unknown stage %q", in.Stage)})
	}
	if !in.UploadedBy.IsValid() {
		ve.Errors = append(ve.Errors, model.FieldError{Field: "uploadedBy", Message: fmt.Sprintf("unknown role %q", in.UploadedBy)})
	}
	if !in.Recipient.IsValid() {
		ve.Errors = append(ve.Errors, model.FieldError{Field: "recipient", Message: fmt.Sprintf("unknown role %q", in.Recipient)})
	} else if in.Recipient == in.UploadedBy {
		ve.Errors = append(ve.Errors, model.FieldError{Field: "recipient", Message: "must differ from the sender"})
	}
	if !in.Priority.IsValid() {
		ve.Errors = append(ve.Errors, model.FieldError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", in.Priority)})
	}
	if ve.HasErrors() {
		return &ve
	}
	return nil
}

// Registry holds document records under store.KeyDocuments and each
// document's bytes under store.DocumentContentPrefix + id.
type Registry struct {
	store store.Store

	mu      sync.RWMutex
	docs    []model.DocumentRecord
	pending map[string]model.DocumentRecord // changed in memory, not yet in the store
	content map[string][]byte               // bytes not yet persisted

	now   func() time.Time
	newID func() string
}

// NewRegistry returns an empty registry backed by s.
func NewRegistry(s store.Store) *Registry {
	return &Registry{
		store:   s,
		pending: make(map[string]model.DocumentRecord),
		content: make(map[string][]byte),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   idgen.Document,
	}
}

// Send records a new delivered document and stores its content.
func (r *Registry) Send(ctx context.Context, in SendInput) (model.DocumentRecord, error) {
	if err := in.Validate(); err != nil {
		return model.DocumentRecord{}, err
	}
	doc := model.DocumentRecord{
		ID:           r.newID(),
		Name:         in.Name,
		Stage:        in.Stage,
		Status:       model.DocumentStatusDelivered,
		UploadedBy:   in.UploadedBy,
		Recipient:    in.Recipient,
		UploadedAt:   r.now(),
		Size:         int64(len(in.Content)),
		CoverMessage: in.CoverMessage,
		Deadline:     in.Deadline,
		Priority:     in.Priority,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var perr error
	if len(in.Content) > 0 {
		key := store.DocumentContentPrefix + doc.ID
		if err := r.store.Set(ctx, key, base64.StdEncoding.EncodeToString(in.Content)); err != nil {
			r.content[doc.ID] = append([]byte(nil), in.Content...)
			perr = &updates.PersistenceError{Op: "store content", Key: key, Err: err}
		}
	}

	r.docs = append(r.docs, doc)
	merged, err := r.persist(ctx, "send", func(stored []model.DocumentRecord) ([]model.DocumentRecord, error) {
		return unionMissing(stored, []model.DocumentRecord{doc}), nil
	})
	if err != nil {
		r.pending[doc.ID] = doc
		return doc, err
	}
	r.docs = merged
	return doc, perr
}

// Get returns the document with the given id.
func (r *Registry) Get(id string) (model.DocumentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := indexOf(r.docs, id)
	if i < 0 {
		return model.DocumentRecord{}, false
	}
	return r.docs[i], true
}

// All returns every document, oldest first.
func (r *Registry) All() []model.DocumentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.DocumentRecord(nil), r.docs...)
}

// ForRole returns the documents addressed to role. An empty stage matches
// every stage.
func (r *Registry) ForRole(role model.Role, stage model.Stage) []model.DocumentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.DocumentRecord
	for _, d := range r.docs {
		if d.Recipient != role {
			continue
		}
		if stage != "" && d.Stage != stage {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Download returns the document's bytes and records the download. Every call
// increments the download count; the status moves from delivered to
// downloaded only when the recipient downloads it. A missing document yields
// model.ErrNotFound. Content that was never stored is replaced by a generated
// placeholder. The content is read first, so a failed read records nothing.
func (r *Registry) Download(ctx context.Context, id string, role model.Role) (model.DocumentRecord, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureKnown(ctx, id); err != nil {
		return model.DocumentRecord{}, nil, err
	}
	data, err := r.readContent(ctx, r.docs[indexOf(r.docs, id)])
	if err != nil {
		return model.DocumentRecord{}, nil, err
	}

	doc, _, err := r.mutate(ctx, "download", id, func(d *model.DocumentRecord) (bool, error) {
		d.DownloadCount++
		if role == d.Recipient && d.Status == model.DocumentStatusDelivered {
			d.Status = model.DocumentStatusDownloaded
		}
		return true, nil
	})
	var pe *updates.PersistenceError
	if err != nil && !errors.As(err, &pe) {
		return model.DocumentRecord{}, nil, err
	}
	return doc, data, err
}

// Review marks a downloaded document as reviewed. Reviewing an already
// reviewed document is a no-op. A delivered document must be downloaded
// first and fails with model.ErrInvalidTransition; only the recipient may
// review (model.ErrForbiddenTransition).
func (r *Registry) Review(ctx context.Context, id string, role model.Role) (model.DocumentRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.mutate(ctx, "review", id, func(d *model.DocumentRecord) (bool, error) {
		if role != "" && role != d.Recipient {
			return false, fmt.Errorf("%w: %s is not the recipient of %s", model.ErrForbiddenTransition, role, d.ID)
		}
		switch d.Status {
		case model.DocumentStatusReviewed:
			return false, nil
		case model.DocumentStatusDelivered:
			return false, fmt.Errorf("%w: document %s has not been downloaded", model.ErrInvalidTransition, d.ID)
		}
		now := r.now()
		d.Status = model.DocumentStatusReviewed
		d.ReviewedAt = &now
		return true, nil
	})
}

// Apply folds a document update produced by another context into the
// registry. The same rules as the local transitions hold: only the recipient
// moves a document forward, one step at a time, and an upload must come from
// a sender other than the recipient. Updates breaking a rule are ignored, and
// replaying an update is harmless. It reports whether the registry changed.
func (r *Registry) Apply(ctx context.Context, u model.UpdateRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch p := u.Data.(type) {
	case model.DocumentUploaded:
		if p.DocumentID == "" || indexOf(r.docs, p.DocumentID) >= 0 {
			return false, nil
		}
		if !p.Recipient.IsValid() || p.Recipient == u.Role {
			slog.Warn("documents: ignoring upload with invalid recipient", "document_id", p.DocumentID, "role", u.Role, "recipient", p.Recipient)
			return false, nil
		}
		doc := model.DocumentRecord{
			ID:           p.DocumentID,
			Name:         p.Name,
			Stage:        u.Stage,
			Status:       model.DocumentStatusDelivered,
			UploadedBy:   u.Role,
			Recipient:    p.Recipient,
			UploadedAt:   u.Timestamp,
			Size:         p.Size,
			CoverMessage: u.Description,
			Deadline:     p.Deadline,
			Priority:     p.Priority,
		}
		r.docs = append(r.docs, doc)
		merged, err := r.persist(ctx, "apply", func(stored []model.DocumentRecord) ([]model.DocumentRecord, error) {
			return unionMissing(stored, []model.DocumentRecord{doc}), nil
		})
		if err != nil {
			r.pending[doc.ID] = doc
			return true, err
		}
		r.docs = merged
		return true, nil
	case model.DocumentDownloaded:
		return r.applyTo(ctx, p.DocumentID, func(d *model.DocumentRecord) bool {
			changed := false
			if p.DownloadCount > d.DownloadCount {
				d.DownloadCount = p.DownloadCount
				changed = true
			}
			if advances(d, model.DocumentStatusDownloaded, u.Role, p.DownloadedBy) {
				d.Status = model.DocumentStatusDownloaded
				changed = true
			}
			return changed
		})
	case model.DocumentReviewed:
		return r.applyTo(ctx, p.DocumentID, func(d *model.DocumentRecord) bool {
			if !advances(d, model.DocumentStatusReviewed, u.Role, p.ReviewedBy) {
				if d.Status != model.DocumentStatusReviewed {
					slog.Warn("documents: ignoring out-of-order review",
						"document_id", d.ID, "status", d.Status, "role", u.Role, "reviewed_by", p.ReviewedBy)
				}
				return false
			}
			ts := u.Timestamp
			d.Status = model.DocumentStatusReviewed
			d.ReviewedAt = &ts
			return true
		})
	}
	return false, nil
}

// advances reports whether moving d to next is one forward step taken by its
// recipient, as both the sender of the update and the actor it names.
func advances(d *model.DocumentRecord, next model.DocumentStatus, sender, actor model.Role) bool {
	return sender == d.Recipient && actor == d.Recipient && next.Rank() == d.Status.Rank()+1
}

func (r *Registry) applyTo(ctx context.Context, id string, fn func(*model.DocumentRecord) bool) (bool, error) {
	if indexOf(r.docs, id) < 0 {
		return false, nil
	}
	_, changed, err := r.mutate(ctx, "apply", id, func(d *model.DocumentRecord) (bool, error) {
		return fn(d), nil
	})
	return changed, err
}

// Reset removes every document and its content.
func (r *Registry) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.docs = nil
	r.pending = make(map[string]model.DocumentRecord)
	r.content = make(map[string][]byte)

	keys, err := r.store.Keys(ctx, store.DocumentContentPrefix)
	if err != nil {
		slog.Warn("documents: failed to list content keys", "error", err)
	}
	keys = append(keys, store.KeyDocuments)
	if err := r.store.Delete(ctx, keys...); err != nil {
		return &updates.PersistenceError{Op: "reset", Key: store.KeyDocuments, Err: err}
	}
	return nil
}

// Reload replaces the in-memory registry with the persisted one.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := r.store.Get(ctx, store.KeyDocuments)
	switch {
	case errors.Is(err, store.ErrKeyNotFound):
		r.docs = r.applyPending(nil)
		return nil
	case err != nil:
		return &updates.PersistenceError{Op: "reload", Key: store.KeyDocuments, Err: err}
	}
	docs, err := decodeDocs(raw)
	if err != nil {
		return &updates.PersistenceError{Op: "reload", Key: store.KeyDocuments, Err: err}
	}
	r.docs = r.applyPending(docs)
	return nil
}

// mutate applies fn to document id inside one atomic read-modify-write of
// the persisted list, so transitions made by other processes sharing the
// store are seen. If the store fails, fn is applied to the in-memory copy
// and a *PersistenceError is returned with the updated record. Caller must
// hold r.mu.
func (r *Registry) mutate(ctx context.Context, op, id string, fn func(*model.DocumentRecord) (bool, error)) (model.DocumentRecord, bool, error) {
	if err := r.ensureKnown(ctx, id); err != nil {
		return model.DocumentRecord{}, false, err
	}

	var (
		result  model.DocumentRecord
		changed bool
		fnErr   error
	)
	merged, err := r.persist(ctx, op, func(stored []model.DocumentRecord) ([]model.DocumentRecord, error) {
		i := indexOf(stored, id)
		if i < 0 {
			// Removed by another process, e.g. a reset.
			fnErr = fmt.Errorf("document %s: %w", id, model.ErrNotFound)
			return nil, fnErr
		}
		changed, fnErr = fn(&stored[i])
		if fnErr != nil {
			return nil, fnErr
		}
		result = stored[i]
		return stored, nil
	})
	if fnErr != nil {
		if errors.Is(fnErr, model.ErrNotFound) {
			r.docs = without(r.docs, id)
		}
		return model.DocumentRecord{}, false, fnErr
	}
	if err != nil {
		i := indexOf(r.docs, id)
		changed, fnErr = fn(&r.docs[i])
		if fnErr != nil {
			return model.DocumentRecord{}, false, fnErr
		}
		if changed {
			r.pending[id] = r.docs[i]
		}
		return r.docs[i], changed, err
	}
	r.docs = merged
	return result, changed, nil
}

// ensureKnown makes sure document id is in memory, picking it up from the
// store when another process created it. Caller must hold r.mu.
func (r *Registry) ensureKnown(ctx context.Context, id string) error {
	if indexOf(r.docs, id) >= 0 {
		return nil
	}
	if raw, err := r.store.Get(ctx, store.KeyDocuments); err == nil {
		if docs, err := decodeDocs(raw); err == nil {
			r.docs = unionMissing(docs, r.docs)
		}
	}
	if indexOf(r.docs, id) < 0 {
		return fmt.Errorf("document %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// persist runs fn over the stored documents, with earlier failed writes
// folded back in, and writes the result. Documents that are only in memory
// are not written back, so a reset made by another process sticks. Caller
// must hold r.mu.
func (r *Registry) persist(ctx context.Context, op string, fn func([]model.DocumentRecord) ([]model.DocumentRecord, error)) ([]model.DocumentRecord, error) {
	var (
		merged []model.DocumentRecord
		fnErr  error
	)
	err := r.store.Update(ctx, store.KeyDocuments, func(cur string, exists bool) (string, error) {
		var stored []model.DocumentRecord
		if exists && cur != "" {
			docs, err := decodeDocs(cur)
			if err != nil {
				slog.Warn("documents: discarding unreadable persisted list", "key", store.KeyDocuments, "error", err)
			} else {
				stored = docs
			}
		}
		stored = r.applyPending(stored)
		merged, fnErr = fn(stored)
		if fnErr != nil {
			return "", fnErr
		}
		b, err := json.Marshal(merged)
		if err != nil {
			return "", fmt.Errorf("encode documents: %w", err)
		}
		return string(b), nil
	})
	if fnErr != nil {
		return nil, fnErr
	}
	if err != nil {
		return nil, &updates.PersistenceError{Op: op, Key: store.KeyDocuments, Err: err}
	}
	clear(r.pending)
	return merged, nil
}

// applyPending overlays documents whose write failed onto docs, replacing
// stored copies and appending missing ones in registry order. Caller must
// hold r.mu.
func (r *Registry) applyPending(docs []model.DocumentRecord) []model.DocumentRecord {
	for _, d := range r.docs {
		p, ok := r.pending[d.ID]
		if !ok {
			continue
		}
		if i := indexOf(docs, p.ID); i >= 0 {
			docs[i] = p
		} else {
			docs = append(docs, p)
		}
	}
	return docs
}

func (r *Registry) readContent(ctx context.Context, doc model.DocumentRecord) ([]byte, error) {
	if b, ok := r.content[doc.ID]; ok {
		return append([]byte(nil), b...), nil
	}
	raw, err := r.store.Get(ctx, store.DocumentContentPrefix+doc.ID)
	if errors.Is(err, store.ErrKeyNotFound) {
		return placeholder(doc), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read content of %s: %w", doc.ID, err)
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode content of %s: %w", doc.ID, err)
	}
	return b, nil
}

func placeholder(doc model.DocumentRecord) []byte {
	return []byte(fmt.Sprintf("%s\n\nSent by %s to %s during %s on %s.\n",
		doc.Name, doc.UploadedBy, doc.Recipient, doc.Stage, doc.UploadedAt.Format(time.RFC3339)))
}

func indexOf(docs []model.DocumentRecord, id string) int {
	for i := range docs {
		if docs[i].ID == id {
			return i
		}
	}
	return -1
}

// unionMissing appends the documents of extra whose id is not in docs.
func without(docs []model.DocumentRecord, id string) []model.DocumentRecord {
	if i := indexOf(docs, id); i >= 0 {
		return append(docs[:i:i], docs[i+1:]...)
	}
	return docs
}

func unionMissing(docs, extra []model.DocumentRecord) []model.DocumentRecord {
	for _, d := range extra {
		if indexOf(docs, d.ID) < 0 {
			docs = append(docs, d)
		}
	}
	return docs
}

func decodeDocs(raw string) ([]model.DocumentRecord, error) {
	var docs []model.DocumentRecord
	if err := json.Unmarshal([]byte(raw), &docs); err != nil {
		return nil, fmt.Errorf("decode documents: %w", err)
	}
	return docs, nil
}
