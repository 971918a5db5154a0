package proposals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/updates"
)

// Notifier appends an update to the shared log. *realtime.Hub satisfies it.
type Notifier interface {
	SendUpdate(ctx context.Context, r model.UpdateRecord) (model.UpdateRecord, error)
}

// Service runs proposal transitions and announces each one on the update
// log.
type Service struct {
	book     *Book
	notifier Notifier
}

// NewService returns a service over book that announces transitions through n.
func NewService(book *Book, n Notifier) *Service {
	return &Service{book: book, notifier: n}
}

// Book returns the underlying proposal book.
func (s *Service) Book() *Book { return s.book }

// Propose creates a pending proposal and emits completion_date_proposed.
func (s *Service) Propose(ctx context.Context, in ProposeInput) (model.CompletionProposal, error) {
	p, err := s.book.Create(ctx, in)
	if err != nil && !isPersistence(err) {
		return model.CompletionProposal{}, err
	}
	s.warn("propose", p.ID, err)

	when := p.Date
	if p.Time != "" {
		when += " " + p.Time
	}
	s.emit(ctx, model.UpdateRecord{
		Type:        model.UpdateCompletionDateProposed,
		Stage:       model.StageCompletionDate,
		Role:        p.ProposedBy,
		Title:       "Completion date proposed: " + when,
		Description: p.Reason,
		Data:        model.CompletionDateProposed{Proposal: p},
	})
	return p, nil
}

// Accept accepts a pending proposal on behalf of role, supersedes the other
// pending proposals of its transaction, and emits completion_date_confirmed.
func (s *Service) Accept(ctx context.Context, id string, role model.Role, message string) (Decision, error) {
	d, err := s.book.Decide(ctx, id, role, model.DecisionAccept, message)
	if err != nil && !isPersistence(err) {
		return Decision{}, err
	}
	s.warn("accept", id, err)

	p := d.Proposal
	s.emit(ctx, model.UpdateRecord{
		Type:        model.UpdateCompletionDateConfirmed,
		Stage:       model.StageCompletionDate,
		Role:        role,
		Title:       "Completion date agreed: " + p.Date,
		Description: message,
		Data: model.CompletionDateConfirmed{
			ProposalID:    p.ID,
			Date:          p.Date,
			Time:          p.Time,
			SupersededIDs: d.Superseded,
		},
	})
	return d, nil
}

// Reject rejects a pending proposal on behalf of role and emits
// completion_date_rejected. Other proposals are unaffected.
func (s *Service) Reject(ctx context.Context, id string, role model.Role, reason string) (Decision, error) {
	d, err := s.book.Decide(ctx, id, role, model.DecisionReject, reason)
	if err != nil && !isPersistence(err) {
		return Decision{}, err
	}
	s.warn("reject", id, err)

	s.emit(ctx, model.UpdateRecord{
		Type:        model.UpdateCompletionDateRejected,
		Stage:       model.StageCompletionDate,
		Role:        role,
		Title:       "Completion date rejected: " + d.Proposal.Date,
		Description: reason,
		Data:        model.CompletionDateRejected{ProposalID: d.Proposal.ID, Reason: reason},
	})
	return d, nil
}

func (s *Service) List(transactionID string) []model.CompletionProposal {
	return s.book.List(transactionID)
}

func (s *Service) Get(id string) (model.CompletionProposal, bool) {
	return s.book.Get(id)
}

func (s *Service) Accepted(transactionID string) (model.CompletionProposal, bool) {
	return s.book.Accepted(transactionID)
}

func (s *Service) Reset(ctx context.Context) error {
	return s.book.Reset(ctx)
}

func (s *Service) emit(ctx context.Context, r model.UpdateRecord) {
	if s.notifier == nil {
		return
	}
	if _, err := s.notifier.SendUpdate(ctx, r); err != nil && !isPersistence(err) {
		slog.Warn("proposals: failed to emit update", "type", r.Type, "error", err)
	}
}

func (s *Service) warn(op, id string, err error) {
	if err != nil {
		slog.Warn(fmt.Sprintf("proposals: %s not persisted", op), "proposal_id", id, "error", err)
	}
}

func isPersistence(err error) bool {
	var pe *updates.PersistenceError
	return errors.As(err, &pe)
}
