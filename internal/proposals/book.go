// Package proposals implements the completion-date proposal state machine.
//
// A proposal starts pending. Only the counterpart of the proposing
// conveyancer may accept or reject it. Accepting supersedes every other
// pending proposal of the same transaction, so a transaction never has more
// than one accepted proposal.
package proposals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/conveyance/internal/idgen"
	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/store"
	"github.com/alfredjeanlab/conveyance/internal/updates"
)

// DefaultTransaction is used when a proposal names no transaction.
const DefaultTransaction = "default"

// ErrAlreadyAgreed is returned when a transaction already has an accepted
// proposal.
var ErrAlreadyAgreed = fmt.Errorf("%w: completion date already agreed", model.ErrInvalidTransition)

// ProposeInput describes a new completion-date proposal.
type ProposeInput struct {
	TransactionID string     `json:"transactionId,omitempty"`
	Date          string     `json:"date"`
	Time          string     `json:"time,omitempty"`
	ProposedBy    model.Role `json:"proposedBy"`
	Reason        string     `json:"reason,omitempty"`
}

// Validate checks the date and time formats and the proposing role.
func (in ProposeInput) Validate() error {
	var ve model.ValidationError
	if _, err := time.Parse("2006-01-02", in.Date); err != nil {
		ve.Errors = append(ve.Errors, model.FieldError{Field: "date", Message: "must be YYYY-MM-DD"})
	}
	if in.Time != "" {
		if _, err := time.Parse("15:04", in.Time); err != nil {
			ve.Errors = append(ve.Errors, model.FieldError{Field: "time", Message: "must be HH:MM"})
		}
	}
	if !in.ProposedBy.IsValid() {
		ve.Errors = append(ve.Errors, model.FieldError{Field: "proposedBy", Message: fmt.Sprintf("unknown role %q", in.ProposedBy)})
	}
	if ve.HasErrors() {
		return &ve
	}
	return nil
}

// Decision is the outcome of an accept or reject.
type Decision struct {
	Proposal   model.CompletionProposal `json:"proposal"`
	Superseded []string                 `json:"superseded,omitempty"`
}

// Book is the persisted list of proposals for every transaction, stored under
// store.KeyProposals. Transitions run inside one atomic read-modify-write of
// the stored list, so two processes deciding at once cannot both accept.
type Book struct {
	store store.Store

	mu      sync.RWMutex
	list    []model.CompletionProposal
	pending map[string]model.CompletionProposal // changed in memory, not yet in the store

	now   func() time.Time
	newID func() string
}

// NewBook returns an empty book backed by s.
func NewBook(s store.Store) *Book {
	return &Book{
		store:   s,
		pending: make(map[string]model.CompletionProposal),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   idgen.Proposal,
	}
}

// List returns the proposals of a transaction, oldest first. An empty
// transaction id lists every proposal.
func (b *Book) List(transactionID string) []model.CompletionProposal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []model.CompletionProposal
	for _, p := range b.list {
		if transactionID == "" || p.TransactionID == transactionID {
			out = append(out, p.Clone())
		}
	}
	return out
}

// Get returns the proposal with the given id.
func (b *Book) Get(id string) (model.CompletionProposal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i := indexOf(b.list, id); i >= 0 {
		return b.list[i].Clone(), true
	}
	return model.CompletionProposal{}, false
}

// Accepted returns the accepted proposal of a transaction, if any.
func (b *Book) Accepted(transactionID string) (model.CompletionProposal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i := acceptedIndex(b.list, transactionID, ""); i >= 0 {
		return b.list[i].Clone(), true
	}
	return model.CompletionProposal{}, false
}

// Create adds a pending proposal. Only conveyancers may propose, and not
// once the transaction has an accepted proposal.
func (b *Book) Create(ctx context.Context, in ProposeInput) (model.CompletionProposal, error) {
	if err := in.Validate(); err != nil {
		return model.CompletionProposal{}, err
	}
	if !in.ProposedBy.IsConveyancer() {
		return model.CompletionProposal{}, fmt.Errorf("%w: %s may not propose a completion date", model.ErrForbiddenTransition, in.ProposedBy)
	}
	if in.TransactionID == "" {
		in.TransactionID = DefaultTransaction
	}
	p := model.CompletionProposal{
		ID:            b.newID(),
		TransactionID: in.TransactionID,
		Date:          in.Date,
		Time:          in.Time,
		ProposedBy:    in.ProposedBy,
		Reason:        in.Reason,
		Status:        model.ProposalPending,
		Timestamp:     b.now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	check := func(list []model.CompletionProposal) ([]model.CompletionProposal, error) {
		if acceptedIndex(list, p.TransactionID, "") >= 0 {
			return nil, ErrAlreadyAgreed
		}
		return append(list, p), nil
	}
	merged, err := b.persist(ctx, "propose", check)
	var pe *updates.PersistenceError
	switch {
	case errors.As(err, &pe):
		if _, cerr := check(b.list); cerr != nil {
			return model.CompletionProposal{}, cerr
		}
		b.list = append(b.list, p)
		b.pending[p.ID] = p.Clone()
		return p.Clone(), err
	case err != nil:
		return model.CompletionProposal{}, err
	}
	b.list = merged
	return p.Clone(), nil
}

// Decide accepts or rejects a pending proposal on behalf of role.
func (b *Book) Decide(ctx context.Context, id string, role model.Role, d model.Decision, message string) (Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if indexOf(b.list, id) < 0 {
		b.refreshLocked(ctx)
		if indexOf(b.list, id) < 0 {
			return Decision{}, fmt.Errorf("proposal %s: %w", id, model.ErrNotFound)
		}
	}

	now := b.now()
	var out Decision
	apply := func(list []model.CompletionProposal) ([]model.CompletionProposal, error) {
		res, err := decide(list, id, role, d, message, now)
		if err != nil {
			return nil, err
		}
		out = res
		return list, nil
	}
	merged, err := b.persist(ctx, string(d), apply)
	var pe *updates.PersistenceError
	switch {
	case errors.As(err, &pe):
		if _, aerr := apply(b.list); aerr != nil {
			return Decision{}, aerr
		}
		b.markPending(append([]string{id}, out.Superseded...)...)
		return out, err
	case err != nil:
		return Decision{}, err
	}
	b.list = merged
	return out, nil
}

// decide applies one transition to list in place.
func decide(list []model.CompletionProposal, id string, role model.Role, d model.Decision, message string, now time.Time) (Decision, error) {
	i := indexOf(list, id)
	if i < 0 {
		return Decision{}, fmt.Errorf("proposal %s: %w", id, model.ErrNotFound)
	}
	p := &list[i]
	if role != p.ProposedBy.Counterpart() {
		return Decision{}, fmt.Errorf("%w: %s may not %s a proposal made by %s", model.ErrForbiddenTransition, role, d, p.ProposedBy)
	}
	if p.Status != model.ProposalPending {
		return Decision{}, fmt.Errorf("%w: proposal %s is %s", model.ErrInvalidTransition, id, p.Status)
	}
	if d == model.DecisionAccept && acceptedIndex(list, p.TransactionID, id) >= 0 {
		return Decision{}, ErrAlreadyAgreed
	}

	p.Responses = append(p.Responses, model.ProposalResponse{Role: role, Decision: d, Message: message, Timestamp: now})
	var superseded []string
	switch d {
	case model.DecisionAccept:
		p.Status = model.ProposalAccepted
		for j := range list {
			o := &list[j]
			if j != i && o.TransactionID == p.TransactionID && o.Status == model.ProposalPending {
				o.Status = model.ProposalSuperseded
				superseded = append(superseded, o.ID)
			}
		}
	case model.DecisionReject:
		p.Status = model.ProposalRejected
	default:
		return Decision{}, fmt.Errorf("unknown decision %q", d)
	}
	return Decision{Proposal: p.Clone(), Superseded: superseded}, nil
}

// Apply folds a completion-date update produced by another context into the
// book. The same rules as local transitions hold: only a conveyancer proposes
// in their own name, only the counterpart decides, and a transaction keeps at
// most one accepted proposal. A proposal arriving after another was accepted
// is kept as superseded. Updates breaking a rule are ignored, and replaying
// an update is harmless. It reports whether the book changed.
func (b *Book) Apply(ctx context.Context, u model.UpdateRecord) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var touched []string
	fold := func(list []model.CompletionProposal) ([]model.CompletionProposal, error) {
		touched = nil
		switch p := u.Data.(type) {
		case model.CompletionDateProposed:
			np := p.Proposal.Clone()
			if np.ID == "" || indexOf(list, np.ID) >= 0 {
				return list, nil
			}
			if !np.ProposedBy.IsConveyancer() || np.ProposedBy != u.Role {
				slog.Warn("proposals: ignoring proposal from wrong role", "proposal_id", np.ID, "role", u.Role, "proposed_by", np.ProposedBy)
				return list, nil
			}
			if np.TransactionID == "" {
				np.TransactionID = DefaultTransaction
			}
			np.Status = model.ProposalPending
			np.Responses = nil
			if acceptedIndex(list, np.TransactionID, "") >= 0 {
				np.Status = model.ProposalSuperseded
			}
			touched = []string{np.ID}
			return append(list, np), nil
		case model.CompletionDateConfirmed:
			return applyDecision(list, p.ProposalID, u, model.DecisionAccept, "", &touched), nil
		case model.CompletionDateRejected:
			return applyDecision(list, p.ProposalID, u, model.DecisionReject, p.Reason, &touched), nil
		}
		return list, nil
	}

	merged, err := b.persist(ctx, "apply", fold)
	if err != nil {
		b.list, _ = fold(b.list)
		b.markPending(touched...)
		return len(touched) > 0, err
	}
	b.list = merged
	return len(touched) > 0, nil
}

// applyDecision runs a remote accept or reject through the local transition
// rules and records the ids it changed in touched.
func applyDecision(list []model.CompletionProposal, id string, u model.UpdateRecord, d model.Decision, message string, touched *[]string) []model.CompletionProposal {
	res, err := decide(list, id, u.Role, d, message, u.Timestamp)
	switch {
	case errors.Is(err, model.ErrForbiddenTransition), errors.Is(err, ErrAlreadyAgreed):
		slog.Warn("proposals: ignoring decision", "proposal_id", id, "role", u.Role, "decision", d, "error", err)
		return list
	case err != nil:
		return list
	}
	*touched = append([]string{res.Proposal.ID}, res.Superseded...)
	return list
}

// Reset removes every proposal.
func (b *Book) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.list = nil
	clear(b.pending)
	if err := b.store.Delete(ctx, store.KeyProposals); err != nil {
		return &updates.PersistenceError{Op: "reset", Key: store.KeyProposals, Err: err}
	}
	return nil
}

// Reload replaces the in-memory list with the persisted one.
func (b *Book) Reload(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, err := b.store.Get(ctx, store.KeyProposals)
	switch {
	case errors.Is(err, store.ErrKeyNotFound):
		b.list = b.applyPending(nil)
		return nil
	case err != nil:
		return &updates.PersistenceError{Op: "reload", Key: store.KeyProposals, Err: err}
	}
	list, err := decodeList(raw)
	if err != nil {
		return &updates.PersistenceError{Op: "reload", Key: store.KeyProposals, Err: err}
	}
	b.list = b.applyPending(list)
	return nil
}

// refreshLocked merges proposals persisted by other processes. Caller must
// hold b.mu.
func (b *Book) refreshLocked(ctx context.Context) {
	raw, err := b.store.Get(ctx, store.KeyProposals)
	if err != nil {
		return
	}
	if list, err := decodeList(raw); err == nil {
		b.list = unionMissing(list, b.list)
	}
}

// persist runs fn over the stored list, with earlier failed writes folded
// back in, and writes the result. Proposals that are only in memory are not
// written back, so a reset made by another process sticks. Errors returned
// by fn are passed through unchanged; store failures come back as
// *updates.PersistenceError. Caller must hold b.mu.
func (b *Book) persist(ctx context.Context, op string, fn func([]model.CompletionProposal) ([]model.CompletionProposal, error)) ([]model.CompletionProposal, error) {
	var (
		merged []model.CompletionProposal
		fnErr  error
	)
	err := b.store.Update(ctx, store.KeyProposals, func(cur string, exists bool) (string, error) {
		var stored []model.CompletionProposal
		if exists && cur != "" {
			list, err := decodeList(cur)
			if err != nil {
				slog.Warn("proposals: discarding unreadable persisted list", "key", store.KeyProposals, "error", err)
			} else {
				stored = list
			}
		}
		stored = b.applyPending(stored)
		merged, fnErr = fn(stored)
		if fnErr != nil {
			return "", fnErr
		}
		raw, err := json.Marshal(merged)
		if err != nil {
			return "", fmt.Errorf("encode proposals: %w", err)
		}
		return string(raw), nil
	})
	if fnErr != nil {
		return nil, fnErr
	}
	if err != nil {
		return nil, &updates.PersistenceError{Op: op, Key: store.KeyProposals, Err: err}
	}
	clear(b.pending)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Timestamp.Before(merged[j].Timestamp) })
	return merged, nil
}

// markPending records the in-memory state of ids for the next write. Caller
// must hold b.mu.
func (b *Book) markPending(ids ...string) {
	for _, id := range ids {
		if i := indexOf(b.list, id); i >= 0 {
			b.pending[id] = b.list[i].Clone()
		}
	}
}

// applyPending overlays proposals whose write failed onto list, replacing
// stored copies and appending missing ones. Caller must hold b.mu.
func (b *Book) applyPending(list []model.CompletionProposal) []model.CompletionProposal {
	for _, p := range b.list {
		if _, ok := b.pending[p.ID]; !ok {
			continue
		}
		if i := indexOf(list, p.ID); i >= 0 {
			list[i] = b.pending[p.ID].Clone()
		} else {
			list = append(list, b.pending[p.ID].Clone())
		}
	}
	return list
}

func indexOf(list []model.CompletionProposal, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

// acceptedIndex finds an accepted proposal of the transaction other than
// the one named by except.
func acceptedIndex(list []model.CompletionProposal, transactionID, except string) int {
	for i := range list {
		p := list[i]
		if p.TransactionID == transactionID && p.Status == model.ProposalAccepted && p.ID != except {
			return i
		}
	}
	return -1
}

// unionMissing appends clones of the proposals in extra whose id is not in
// list.
func unionMissing(list, extra []model.CompletionProposal) []model.CompletionProposal {
	for _, p := range extra {
		if indexOf(list, p.ID) < 0 {
			list = append(list, p.Clone())
		}
	}
	return list
}

func decodeList(raw string) ([]model.CompletionProposal, error) {
	var list []model.CompletionProposal
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("decode proposals: %w", err)
	}
	return list, nil
}
