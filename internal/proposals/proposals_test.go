package proposals

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/store"
)

// recorder is a Notifier that keeps every update it is sent.
type recorder struct {
	mu   sync.Mutex
	sent []model.UpdateRecord
}

func (r *recorder) SendUpdate(_ context.Context, u model.UpdateRecord) (model.UpdateRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, u)
	return u, nil
}

func (r *recorder) types() []model.UpdateType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.UpdateType
	for _, u := range r.sent {
		out = append(out, u.Type)
	}
	return out
}

func newService(t *testing.T) (*Service, *recorder) {
	t.Helper()
	rec := &recorder{}
	return NewService(NewBook(store.NewMemory()), rec), rec
}

func propose(t *testing.T, s *Service, by model.Role, date string) model.CompletionProposal {
	t.Helper()
	p, err := s.Propose(context.Background(), ProposeInput{TransactionID: "txn-1", Date: date, Time: "14:00", ProposedBy: by})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	return p
}

func countAccepted(ps []model.CompletionProposal) int {
	n := 0
	for _, p := range ps {
		if p.Status == model.ProposalAccepted {
			n++
		}
	}
	return n
}

func TestPropose(t *testing.T) {
	s, rec := newService(t)
	p := propose(t, s, model.RoleBuyerConveyancer, "2026-04-17")

	if p.Status != model.ProposalPending || p.ID == "" || p.TransactionID != "txn-1" {
		t.Fatalf("proposal = %+v", p)
	}
	if got := rec.types(); len(got) != 1 || got[0] != model.UpdateCompletionDateProposed {
		t.Fatalf("emitted %v", got)
	}
	payload, ok := model.PayloadAs[model.CompletionDateProposed](rec.sent[0])
	if !ok || payload.Proposal.ID != p.ID {
		t.Fatalf("payload = %#v", rec.sent[0].Data)
	}
}

func TestPropose_Rules(t *testing.T) {
	for _, tc := range []struct {
		name    string
		in      ProposeInput
		wantErr error
	}{
		{"buyer may not propose", ProposeInput{Date: "2026-04-17", ProposedBy: model.RoleBuyer}, model.ErrForbiddenTransition},
		{"agent may not propose", ProposeInput{Date: "2026-04-17", ProposedBy: model.RoleEstateAgent}, model.ErrForbiddenTransition},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, rec := newService(t)
			if _, err := s.Propose(context.Background(), tc.in); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if len(rec.sent) != 0 {
				t.Fatal("update emitted for a refused proposal")
			}
		})
	}
}

func TestPropose_Validation(t *testing.T) {
	for _, in := range []ProposeInput{
		{Date: "17/04/2026", ProposedBy: model.RoleBuyerConveyancer},
		{Date: "2026-04-17", Time: "2pm", ProposedBy: model.RoleBuyerConveyancer},
		{Date: "2026-04-17", ProposedBy: "notary"},
	} {
		s, _ := newService(t)
		var ve *model.ValidationError
		if _, err := s.Propose(context.Background(), in); !errors.As(err, &ve) {
			t.Errorf("Propose(%+v): expected ValidationError, got %v", in, err)
		}
	}
}

func TestPropose_DefaultTransaction(t *testing.T) {
	s, _ := newService(t)
	p, err := s.Propose(context.Background(), ProposeInput{Date: "2026-04-17", ProposedBy: model.RoleSellerConveyancer})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if p.TransactionID != DefaultTransaction {
		t.Fatalf("TransactionID = %q", p.TransactionID)
	}
}

func TestAccept_CounterpartOnly(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)
	p := propose(t, s, model.RoleBuyerConveyancer, "2026-04-17")

	for _, role := range []model.Role{model.RoleBuyerConveyancer, model.RoleBuyer, model.RoleEstateAgent} {
		if _, err := s.Accept(ctx, p.ID, role, ""); !errors.Is(err, model.ErrForbiddenTransition) {
			t.Errorf("Accept by %s: expected ErrForbiddenTransition, got %v", role, err)
		}
		if _, err := s.Reject(ctx, p.ID, role, ""); !errors.Is(err, model.ErrForbiddenTransition) {
			t.Errorf("Reject by %s: expected ErrForbiddenTransition, got %v", role, err)
		}
	}
	if got, _ := s.Get(p.ID); got.Status != model.ProposalPending {
		t.Fatalf("status changed to %s", got.Status)
	}
}

func TestAccept_SupersedesPending(t *testing.T) {
	ctx := context.Background()
	s, rec := newService(t)
	first := propose(t, s, model.RoleBuyerConveyancer, "2026-04-17")
	second := propose(t, s, model.RoleSellerConveyancer, "2026-04-24")
	third := propose(t, s, model.RoleBuyerConveyancer, "2026-05-01")

	d, err := s.Accept(ctx, first.ID, model.RoleSellerConveyancer, "works for us")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if d.Proposal.Status != model.ProposalAccepted || len(d.Proposal.Responses) != 1 {
		t.Fatalf("accepted = %+v", d.Proposal)
	}
	if len(d.Superseded) != 2 {
		t.Fatalf("superseded = %v", d.Superseded)
	}
	for _, id := range []string{second.ID, third.ID} {
		if got, _ := s.Get(id); got.Status != model.ProposalSuperseded {
			t.Errorf("%s status = %s, want superseded", id, got.Status)
		}
	}
	if acc, ok := s.Accepted("txn-1"); !ok || acc.ID != first.ID {
		t.Fatalf("Accepted = %+v, %v", acc, ok)
	}

	last := rec.sent[len(rec.sent)-1]
	conf, ok := model.PayloadAs[model.CompletionDateConfirmed](last)
	if !ok || conf.ProposalID != first.ID || len(conf.SupersededIDs) != 2 {
		t.Fatalf("confirmed payload = %#v", last.Data)
	}

	// Superseded proposals can no longer be accepted.
	if _, err := s.Accept(ctx, second.ID, model.RoleBuyerConveyancer, ""); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	// Nor can a new proposal be made.
	_, err = s.Propose(ctx, ProposeInput{TransactionID: "txn-1", Date: "2026-06-01", ProposedBy: model.RoleBuyerConveyancer})
	if !errors.Is(err, ErrAlreadyAgreed) || !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected ErrAlreadyAgreed, got %v", err)
	}
}

func TestReject_TerminalForThatProposalOnly(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)
	p := propose(t, s, model.RoleSellerConveyancer, "2026-04-17")

	d, err := s.Reject(ctx, p.ID, model.RoleBuyerConveyancer, "mortgage offer not ready")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if d.Proposal.Status != model.ProposalRejected {
		t.Fatalf("status = %s", d.Proposal.Status)
	}
	if _, err := s.Accept(ctx, p.ID, model.RoleBuyerConveyancer, ""); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("accepting a rejected proposal: %v", err)
	}
	// Rejection does not block a new proposal.
	next := propose(t, s, model.RoleBuyerConveyancer, "2026-04-24")
	if _, err := s.Accept(ctx, next.ID, model.RoleSellerConveyancer, ""); err != nil {
		t.Fatalf("Accept new proposal: %v", err)
	}
}

func TestDecide_NotFound(t *testing.T) {
	s, _ := newService(t)
	if _, err := s.Accept(context.Background(), "prop-missing", model.RoleBuyerConveyancer, ""); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAtMostOneAccepted_RandomSequences(t *testing.T) {
	ctx := context.Background()
	roles := []model.Role{model.RoleBuyerConveyancer, model.RoleSellerConveyancer, model.RoleBuyer}
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 50; run++ {
		s, _ := newService(t)
		for step := 0; step < 30; step++ {
			role := roles[rng.Intn(len(roles))]
			ids := s.List("txn-1")
			switch op := rng.Intn(3); {
			case op == 0 || len(ids) == 0:
				_, _ = s.Propose(ctx, ProposeInput{TransactionID: "txn-1", Date: "2026-04-17", ProposedBy: role})
			case op == 1:
				_, _ = s.Accept(ctx, ids[rng.Intn(len(ids))].ID, role, "")
			default:
				_, _ = s.Reject(ctx, ids[rng.Intn(len(ids))].ID, role, "")
			}
			if n := countAccepted(s.List("txn-1")); n > 1 {
				t.Fatalf("run %d step %d: %d accepted proposals", run, step, n)
			}
		}
	}
}

func TestAtMostOneAccepted_ConcurrentProcesses(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemory()
	a := NewService(NewBook(shared), nil)
	b := NewService(NewBook(shared), nil)

	p1, _ := a.Propose(ctx, ProposeInput{TransactionID: "txn-1", Date: "2026-04-17", ProposedBy: model.RoleBuyerConveyancer})
	p2, _ := b.Propose(ctx, ProposeInput{TransactionID: "txn-1", Date: "2026-04-24", ProposedBy: model.RoleBuyerConveyancer})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = a.Accept(ctx, p1.ID, model.RoleSellerConveyancer, "") }()
	go func() { defer wg.Done(); _, errs[1] = b.Accept(ctx, p2.ID, model.RoleSellerConveyancer, "") }()
	wg.Wait()

	if (errs[0] == nil) == (errs[1] == nil) {
		t.Fatalf("expected exactly one accept to succeed: %v", errs)
	}
	fresh := NewBook(shared)
	if err := fresh.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n := countAccepted(fresh.List("txn-1")); n != 1 {
		t.Fatalf("%d accepted proposals persisted", n)
	}
}

func TestApply_Replay(t *testing.T) {
	ctx := context.Background()
	origin, rec := newService(t)
	p := propose(t, origin, model.RoleBuyerConveyancer, "2026-04-17")
	_, _ = origin.Accept(ctx, p.ID, model.RoleSellerConveyancer, "")

	mirror := NewBook(store.NewMemory())
	for i := 0; i < 2; i++ {
		for _, u := range rec.sent {
			if _, err := mirror.Apply(ctx, u); err != nil {
				t.Fatalf("Apply: %v", err)
			}
		}
	}
	list := mirror.List("txn-1")
	if len(list) != 1 || list[0].Status != model.ProposalAccepted {
		t.Fatalf("mirror = %+v", list)
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)
	_ = propose(t, s, model.RoleBuyerConveyancer, "2026-04-17")
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := s.List(""); len(got) != 0 {
		t.Fatalf("List after reset = %+v", got)
	}
}

// brokenStore fails every write.
type brokenStore struct{ *store.Memory }

func (brokenStore) Update(context.Context, string, store.UpdateFunc) error {
	return errors.New("disk full")
}

func proposedUpdate(id string, role, by model.Role) model.UpdateRecord {
	return model.UpdateRecord{
		Type: model.UpdateCompletionDateProposed, Stage: model.StageCompletionDate, Role: role,
		Data: model.CompletionDateProposed{Proposal: model.CompletionProposal{
			ID: id, TransactionID: "txn-1", Date: "2026-05-01", ProposedBy: by, Status: model.ProposalPending,
		}},
	}
}

func confirmedUpdate(id string, role model.Role) model.UpdateRecord {
	return model.UpdateRecord{
		Type: model.UpdateCompletionDateConfirmed, Stage: model.StageCompletionDate, Role: role,
		Data: model.CompletionDateConfirmed{ProposalID: id, Date: "2026-05-01"},
	}
}

func TestApply_LateProposalAfterAccept(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)
	p1 := propose(t, s, model.RoleBuyerConveyancer, "2026-04-17")
	if _, err := s.Accept(ctx, p1.ID, model.RoleSellerConveyancer, ""); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	book := s.Book()
	if _, err := book.Apply(ctx, proposedUpdate("prop-late", model.RoleBuyerConveyancer, model.RoleBuyerConveyancer)); err != nil {
		t.Fatalf("Apply proposed: %v", err)
	}
	late, ok := book.Get("prop-late")
	if !ok || late.Status != model.ProposalSuperseded {
		t.Fatalf("late proposal = %+v", late)
	}
	if changed, _ := book.Apply(ctx, confirmedUpdate("prop-late", model.RoleSellerConveyancer)); changed {
		t.Fatal("late confirmation applied")
	}
	if n := countAccepted(book.List("txn-1")); n != 1 {
		t.Fatalf("%d accepted proposals", n)
	}
}

func TestApply_RejectsWrongRole(t *testing.T) {
	ctx := context.Background()
	book := NewBook(store.NewMemory())

	for _, u := range []model.UpdateRecord{
		proposedUpdate("prop-buyer", model.RoleBuyer, model.RoleBuyer),
		proposedUpdate("prop-forged", model.RoleEstateAgent, model.RoleBuyerConveyancer),
	} {
		if changed, _ := book.Apply(ctx, u); changed {
			t.Fatalf("applied %+v", u.Data)
		}
	}

	_, _ = book.Apply(ctx, proposedUpdate("prop-1", model.RoleBuyerConveyancer, model.RoleBuyerConveyancer))
	for _, role := range []model.Role{model.RoleBuyerConveyancer, model.RoleBuyer, model.RoleEstateAgent} {
		if changed, _ := book.Apply(ctx, confirmedUpdate("prop-1", role)); changed {
			t.Fatalf("confirmation by %s applied", role)
		}
	}
	if changed, _ := book.Apply(ctx, confirmedUpdate("prop-1", model.RoleSellerConveyancer)); !changed {
		t.Fatal("counterpart confirmation not applied")
	}
}

func TestApply_PersistenceFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	book := NewBook(brokenStore{store.NewMemory()})

	changed, err := book.Apply(ctx, proposedUpdate("prop-1", model.RoleBuyerConveyancer, model.RoleBuyerConveyancer))
	if !isPersistence(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if !changed {
		t.Fatal("changed = false")
	}
	if _, ok := book.Get("prop-1"); !ok {
		t.Fatal("proposal lost after failed write")
	}
}

func TestPropose_DoesNotUndoSharedReset(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemory()
	a := NewService(NewBook(shared), nil)
	b := NewService(NewBook(shared), nil)

	old, _ := a.Propose(ctx, ProposeInput{TransactionID: "txn-1", Date: "2026-04-17", ProposedBy: model.RoleBuyerConveyancer})
	if err := b.Book().Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if err := a.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	fresh, err := b.Propose(ctx, ProposeInput{TransactionID: "txn-1", Date: "2026-04-24", ProposedBy: model.RoleSellerConveyancer})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	c := NewBook(shared)
	if err := c.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	list := c.List("")
	if len(list) != 1 || list[0].ID != fresh.ID {
		t.Fatalf("stored proposals = %+v, want only %s (not %s)", list, fresh.ID, old.ID)
	}
}
