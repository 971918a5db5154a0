package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alfredjeanlab/conveyance/internal/documents"
	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/proposals"
	"github.com/alfredjeanlab/conveyance/internal/realtime"
	"github.com/alfredjeanlab/conveyance/internal/store"
	"github.com/alfredjeanlab/conveyance/internal/updates"
)

// flakyStore wraps the memory store and fails writes or pings on demand.
type flakyStore struct {
	*store.Memory
	failWrites atomic.Bool
	failPing   atomic.Bool
}

var errStoreDown = errors.New("store down")

func (f *flakyStore) Set(ctx context.Context, key, value string) error {
	if f.failWrites.Load() {
		return errStoreDown
	}
	return f.Memory.Set(ctx, key, value)
}

func (f *flakyStore) Update(ctx context.Context, key string, fn store.UpdateFunc) error {
	if f.failWrites.Load() {
		return errStoreDown
	}
	return f.Memory.Update(ctx, key, fn)
}

func (f *flakyStore) Ping(ctx context.Context) error {
	if f.failPing.Load() {
		return errStoreDown
	}
	return f.Memory.Ping(ctx)
}

type testEnv struct {
	srv     *Server
	hub     *realtime.Hub
	store   *flakyStore
	handler http.Handler
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	s := &flakyStore{Memory: store.NewMemory()}
	book := proposals.NewBook(s)
	hub := realtime.New(updates.New(s), documents.NewRegistry(s), realtime.Config{Proposals: book})
	srv := New(hub, proposals.NewService(book, hub), Options{Store: s})
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, hub: hub, store: s, handler: srv.NewHTTPHandler("")}
}

// doJSON sends a request with an optional JSON body and returns the
// recorder.
func (e *testEnv) doJSON(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func requireStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected %d, got %d; body: %s", want, rec.Code, rec.Body.String())
	}
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v; body: %s", err, rec.Body.String())
	}
	return v
}

func TestHandleSendUpdate(t *testing.T) {
	env := newTestServer(t)

	rec := env.doJSON(t, "POST", "/v1/updates", map[string]any{
		"type":  "status_changed",
		"stage": "search-survey",
		"role":  "buyer-conveyancer",
		"title": "Local search ordered",
		"data":  map[string]string{"itemId": "local-authority", "status": "ordered"},
	})
	requireStatus(t, rec, http.StatusCreated)

	got := decodeJSON[model.UpdateRecord](t, rec)
	if !strings.HasPrefix(got.ID, "upd-") {
		t.Errorf("expected upd- id, got %q", got.ID)
	}
	sc, ok := model.PayloadAs[model.StatusChanged](got)
	if !ok || sc.ItemID != "local-authority" {
		t.Errorf("unexpected payload: %#v", got.Data)
	}
	if env.hub.Log().Len() != 1 {
		t.Errorf("expected 1 record in log, got %d", env.hub.Log().Len())
	}
}

func TestHandleSendUpdate_BadInput(t *testing.T) {
	env := newTestServer(t)
	tests := []struct {
		name string
		body any
	}{
		{"invalid json", "{nope"},
		{"unknown type", map[string]any{"type": "gossip", "stage": "enquiries", "role": "buyer"}},
		{"unknown stage", map[string]any{"type": "stage_completed", "stage": "moving-day", "role": "buyer"}},
		{"unknown role", map[string]any{"type": "stage_completed", "stage": "enquiries", "role": "landlord"}},
		{"bad payload", map[string]any{"type": "payment_made", "stage": "transaction-fee", "role": "buyer", "data": "cash"}},
		{"reset marker", map[string]any{"type": "platform_reset", "stage": "completion", "role": "buyer"}},
		{"forged review", map[string]any{"type": "document_reviewed", "stage": "draft-contract", "role": "buyer",
			"data": map[string]any{"documentId": "doc-1", "reviewedBy": "buyer"}}},
		{"forged confirmation", map[string]any{"type": "completion_date_confirmed", "stage": "completion-date", "role": "estate-agent",
			"data": map[string]any{"proposalId": "prop-1", "date": "2026-05-01"}}},
		{"forged proposal", map[string]any{"type": "completion_date_proposed", "stage": "completion-date", "role": "buyer"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireStatus(t, env.doJSON(t, "POST", "/v1/updates", tt.body), http.StatusBadRequest)
		})
	}
	if env.hub.Log().Len() != 0 {
		t.Fatalf("rejected updates must not be stored, got %d", env.hub.Log().Len())
	}
}

func TestHandleSendUpdate_PersistenceWarning(t *testing.T) {
	env := newTestServer(t)
	env.store.failWrites.Store(true)

	rec := env.doJSON(t, "POST", "/v1/updates", map[string]any{
		"type": "stage_completed", "stage": "enquiries", "role": "buyer", "title": "Enquiries done",
	})
	requireStatus(t, rec, http.StatusCreated)

	body := decodeJSON[map[string]any](t, rec)
	if w, _ := body["warning"].(string); !strings.Contains(w, "store down") {
		t.Errorf("expected warning mentioning the store failure, got %v", body["warning"])
	}
	if id, _ := body["id"].(string); id == "" {
		t.Error("expected the stored record to be returned")
	}
	if env.hub.Log().Len() != 1 {
		t.Error("record should stay in memory when persistence fails")
	}
}

func TestHandleListUpdates_Filters(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()
	send := func(typ model.UpdateType, stage model.Stage, role model.Role) model.UpdateRecord {
		t.Helper()
		r, err := env.hub.SendUpdate(ctx, model.UpdateRecord{Type: typ, Stage: stage, Role: role, Title: "t"})
		if err != nil {
			t.Fatalf("SendUpdate: %v", err)
		}
		return r
	}
	first := send(model.UpdateStageCompleted, model.StageEnquiries, model.RoleBuyer)
	send(model.UpdateStageCompleted, model.StageMortgageOffer, model.RoleBuyer)
	send(model.UpdateEnquiryRaised, model.StageEnquiries, model.RoleBuyerConveyancer)
	if err := env.hub.MarkAsRead(ctx, first.ID); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}

	tests := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?stage=enquiries", 2},
		{"?role=buyer", 2},
		{"?type=enquiry_raised", 1},
		{"?stage=enquiries&unread=true", 1},
		{"?order=timeline", 3},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := env.doJSON(t, "GET", "/v1/updates"+tt.query, nil)
			requireStatus(t, rec, http.StatusOK)
			body := decodeJSON[struct {
				Updates []model.UpdateRecord `json:"updates"`
				Total   int                  `json:"total"`
			}](t, rec)
			if body.Total != tt.want || len(body.Updates) != tt.want {
				t.Fatalf("expected %d updates, got total=%d len=%d", tt.want, body.Total, len(body.Updates))
			}
		})
	}

	for _, q := range []string{"?stage=nowhere", "?role=landlord", "?type=gossip", "?unread=maybe"} {
		requireStatus(t, env.doJSON(t, "GET", "/v1/updates"+q, nil), http.StatusBadRequest)
	}
}

func TestHandleMarkRead(t *testing.T) {
	env := newTestServer(t)
	r, err := env.hub.SendUpdate(context.Background(), model.UpdateRecord{
		Type: model.UpdateStageCompleted, Stage: model.StageEnquiries, Role: model.RoleBuyer, Title: "done",
	})
	if err != nil {
		t.Fatalf("SendUpdate: %v", err)
	}

	for i := 0; i < 2; i++ {
		rec := env.doJSON(t, "POST", "/v1/updates/"+r.ID+"/read", nil)
		requireStatus(t, rec, http.StatusOK)
		body := decodeJSON[map[string]any](t, rec)
		if body["read"] != true || body["found"] != true {
			t.Fatalf("attempt %d: unexpected body %v", i, body)
		}
	}

	// Unknown ids are a no-op.
	rec := env.doJSON(t, "POST", "/v1/updates/upd-missing/read", nil)
	requireStatus(t, rec, http.StatusOK)
	if body := decodeJSON[map[string]any](t, rec); body["found"] != false {
		t.Fatalf("expected found=false, got %v", body)
	}
}

func TestHandleStageStatuses(t *testing.T) {
	env := newTestServer(t)
	t1 := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(48 * time.Hour)

	// The completed record arrives first but carries the later timestamp.
	for _, u := range []map[string]any{
		{"type": "status_changed", "stage": "search-survey", "role": "buyer-conveyancer", "title": "Search completed",
			"timestamp": t2, "data": map[string]string{"itemId": "local-authority", "status": "completed", "previousStatus": "ordered"}},
		{"type": "status_changed", "stage": "search-survey", "role": "buyer-conveyancer", "title": "Search ordered",
			"timestamp": t1, "data": map[string]string{"itemId": "local-authority", "status": "ordered"}},
		{"type": "stage_completed", "stage": "search-survey", "role": "buyer-conveyancer", "title": "Searches back"},
	} {
		requireStatus(t, env.doJSON(t, "POST", "/v1/updates", u), http.StatusCreated)
	}

	rec := env.doJSON(t, "GET", "/v1/stages/search-survey/statuses", nil)
	requireStatus(t, rec, http.StatusOK)
	body := decodeJSON[struct {
		Statuses []struct {
			ItemID string `json:"itemId"`
			Status string `json:"status"`
		} `json:"statuses"`
		Completed bool `json:"completed"`
	}](t, rec)
	if len(body.Statuses) != 1 || body.Statuses[0].Status != "completed" {
		t.Fatalf("expected local-authority completed, got %+v", body.Statuses)
	}
	if !body.Completed {
		t.Error("expected stage to be reported completed")
	}

	requireStatus(t, env.doJSON(t, "GET", "/v1/stages/moving-day/statuses", nil), http.StatusBadRequest)
}

func TestHandleNotifications(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()
	for _, role := range []model.Role{model.RoleBuyer, model.RoleEstateAgent} {
		if _, err := env.hub.SendUpdate(ctx, model.UpdateRecord{
			Type: model.UpdateStageCompleted, Stage: model.StageProofOfFunds, Role: role, Title: "from " + string(role),
		}); err != nil {
			t.Fatalf("SendUpdate: %v", err)
		}
	}

	rec := env.doJSON(t, "GET", "/v1/notifications?role=buyer", nil)
	requireStatus(t, rec, http.StatusOK)
	body := decodeJSON[struct {
		Notifications []model.UpdateRecord `json:"notifications"`
		Unread        int                  `json:"unread"`
	}](t, rec)
	if body.Unread != 1 || body.Notifications[0].Role != model.RoleEstateAgent {
		t.Fatalf("expected one notification from the estate agent, got %+v", body.Notifications)
	}

	requireStatus(t, env.doJSON(t, "GET", "/v1/notifications", nil), http.StatusBadRequest)

	// The request registers the buyer as present.
	if roles := env.srv.Presence.ActiveRoles(0); len(roles) != 1 || roles[0] != model.RoleBuyer {
		t.Errorf("expected buyer present, got %v", roles)
	}
}

func TestDocumentFlow(t *testing.T) {
	env := newTestServer(t)

	rec := env.doJSON(t, "POST", "/v1/documents", map[string]any{
		"name":       "draft-contract.pdf",
		"stage":      "draft-contract",
		"uploadedBy": "seller-conveyancer",
		"recipient":  "buyer-conveyancer",
		"content":    []byte("%PDF-1.7 contract"),
		"priority":   "high",
	})
	requireStatus(t, rec, http.StatusCreated)
	doc := decodeJSON[model.DocumentRecord](t, rec)
	if doc.Status != model.DocumentStatusDelivered {
		t.Fatalf("expected delivered, got %s", doc.Status)
	}

	// Listed for the recipient only.
	rec = env.doJSON(t, "GET", "/v1/documents?role=buyer-conveyancer&stage=draft-contract", nil)
	requireStatus(t, rec, http.StatusOK)
	if body := decodeJSON[map[string]any](t, rec); body["total"] != float64(1) {
		t.Fatalf("expected 1 document for recipient, got %v", body["total"])
	}
	rec = env.doJSON(t, "GET", "/v1/documents?role=buyer", nil)
	if body := decodeJSON[map[string]any](t, rec); body["total"] != float64(0) {
		t.Fatalf("expected 0 documents for buyer, got %v", body["total"])
	}

	// Reviewing before download is rejected.
	rec = env.doJSON(t, "POST", "/v1/documents/"+doc.ID+"/review", map[string]string{"role": "buyer-conveyancer"})
	requireStatus(t, rec, http.StatusConflict)

	// Download returns the raw bytes.
	rec = env.doJSON(t, "GET", "/v1/documents/"+doc.ID+"/content?role=buyer-conveyancer", nil)
	requireStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "%PDF-1.7 contract" {
		t.Fatalf("unexpected content %q", rec.Body.String())
	}
	if got := rec.Header().Get("X-Document-Status"); got != string(model.DocumentStatusDownloaded) {
		t.Errorf("expected downloaded status header, got %q", got)
	}

	// A reviewer other than the recipient is forbidden.
	rec = env.doJSON(t, "POST", "/v1/documents/"+doc.ID+"/review", map[string]string{"role": "buyer"})
	requireStatus(t, rec, http.StatusForbidden)

	rec = env.doJSON(t, "POST", "/v1/documents/"+doc.ID+"/review", map[string]string{"role": "buyer-conveyancer"})
	requireStatus(t, rec, http.StatusOK)
	if got := decodeJSON[model.DocumentRecord](t, rec); got.Status != model.DocumentStatusReviewed {
		t.Fatalf("expected reviewed, got %s", got.Status)
	}

	var types []model.UpdateType
	for _, u := range env.hub.Updates() {
		types = append(types, u.Type)
	}
	want := []model.UpdateType{model.UpdateDocumentUploaded, model.UpdateDocumentDownloaded, model.UpdateDocumentReviewed}
	if len(types) != len(want) {
		t.Fatalf("update types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("update[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestDocumentErrors(t *testing.T) {
	env := newTestServer(t)

	requireStatus(t, env.doJSON(t, "GET", "/v1/documents/doc-missing/content?role=buyer", nil), http.StatusNotFound)
	requireStatus(t, env.doJSON(t, "GET", "/v1/documents/doc-missing/content", nil), http.StatusBadRequest)
	requireStatus(t, env.doJSON(t, "POST", "/v1/documents/doc-missing/review", map[string]string{"role": "buyer"}), http.StatusNotFound)
	requireStatus(t, env.doJSON(t, "POST", "/v1/documents", map[string]any{
		"name": "x", "stage": "draft-contract", "uploadedBy": "buyer", "recipient": "buyer",
	}), http.StatusBadRequest)
}

func TestProposalFlow(t *testing.T) {
	env := newTestServer(t)

	rec := env.doJSON(t, "POST", "/v1/proposals", map[string]string{
		"date": "2026-12-01", "time": "12:00", "proposedBy": "buyer-conveyancer", "reason": "Buyer's mortgage offer expires",
	})
	requireStatus(t, rec, http.StatusCreated)
	first := decodeJSON[model.CompletionProposal](t, rec)
	if first.Status != model.ProposalPending || first.TransactionID != proposals.DefaultTransaction {
		t.Fatalf("unexpected proposal: %+v", first)
	}

	rec = env.doJSON(t, "POST", "/v1/proposals", map[string]string{"date": "2026-12-08", "proposedBy": "seller-conveyancer"})
	requireStatus(t, rec, http.StatusCreated)
	second := decodeJSON[model.CompletionProposal](t, rec)

	// Proposer and non-conveyancers may not decide.
	requireStatus(t, env.doJSON(t, "POST", "/v1/proposals/"+first.ID+"/accept", map[string]string{"role": "buyer-conveyancer"}), http.StatusForbidden)
	requireStatus(t, env.doJSON(t, "POST", "/v1/proposals/"+first.ID+"/accept", map[string]string{"role": "estate-agent"}), http.StatusForbidden)
	requireStatus(t, env.doJSON(t, "POST", "/v1/proposals/"+first.ID+"/accept", map[string]string{"role": "nobody"}), http.StatusBadRequest)
	requireStatus(t, env.doJSON(t, "POST", "/v1/proposals/prop-missing/accept", map[string]string{"role": "seller-conveyancer"}), http.StatusNotFound)

	rec = env.doJSON(t, "POST", "/v1/proposals/"+first.ID+"/accept", map[string]string{"role": "seller-conveyancer", "message": "Agreed"})
	requireStatus(t, rec, http.StatusOK)
	dec := decodeJSON[proposals.Decision](t, rec)
	if dec.Proposal.Status != model.ProposalAccepted {
		t.Fatalf("expected accepted, got %s", dec.Proposal.Status)
	}
	if len(dec.Superseded) != 1 || dec.Superseded[0] != second.ID {
		t.Fatalf("expected %s superseded, got %v", second.ID, dec.Superseded)
	}

	// Terminal proposals cannot be decided again, and no new proposal is
	// accepted once a date is agreed.
	requireStatus(t, env.doJSON(t, "POST", "/v1/proposals/"+first.ID+"/reject", map[string]string{"role": "seller-conveyancer"}), http.StatusConflict)
	requireStatus(t, env.doJSON(t, "POST", "/v1/proposals", map[string]string{"date": "2026-12-15", "proposedBy": "seller-conveyancer"}), http.StatusConflict)

	rec = env.doJSON(t, "GET", "/v1/proposals?transaction=default", nil)
	requireStatus(t, rec, http.StatusOK)
	list := decodeJSON[struct {
		Proposals []model.CompletionProposal `json:"proposals"`
		Accepted  *model.CompletionProposal  `json:"accepted"`
	}](t, rec)
	if len(list.Proposals) != 2 || list.Accepted == nil || list.Accepted.ID != first.ID {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestProposalValidation(t *testing.T) {
	env := newTestServer(t)
	requireStatus(t, env.doJSON(t, "POST", "/v1/proposals", map[string]string{"date": "01/12/2026", "proposedBy": "buyer-conveyancer"}), http.StatusBadRequest)
	requireStatus(t, env.doJSON(t, "POST", "/v1/proposals", map[string]string{"date": "2026-12-01", "proposedBy": "buyer"}), http.StatusForbidden)
}

func TestHandleReset(t *testing.T) {
	env := newTestServer(t)
	requireStatus(t, env.doJSON(t, "POST", "/v1/updates", map[string]any{
		"type": "stage_completed", "stage": "enquiries", "role": "buyer", "title": "done",
	}), http.StatusCreated)
	requireStatus(t, env.doJSON(t, "POST", "/v1/proposals", map[string]string{"date": "2026-12-01", "proposedBy": "buyer-conveyancer"}), http.StatusCreated)

	requireStatus(t, env.doJSON(t, "POST", "/v1/reset", nil), http.StatusOK)

	if n := env.hub.Log().Len(); n != 0 {
		t.Fatalf("expected empty log after reset, got %d", n)
	}
	rec := env.doJSON(t, "GET", "/v1/proposals", nil)
	if body := decodeJSON[map[string]any](t, rec); body["total"] != float64(0) {
		t.Fatalf("expected no proposals after reset, got %v", body["total"])
	}
	if roles := env.srv.Presence.ActiveRoles(0); len(roles) != 0 {
		t.Errorf("expected presence cleared, got %v", roles)
	}
}

func TestHandleReload(t *testing.T) {
	env := newTestServer(t)
	other := updates.New(env.store)
	if _, err := other.Append(context.Background(), model.UpdateRecord{
		Type: model.UpdateStageCompleted, Stage: model.StageEnquiries, Role: model.RoleBuyer, Title: "external",
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	rec := env.doJSON(t, "POST", "/v1/reload", nil)
	requireStatus(t, rec, http.StatusOK)
	if body := decodeJSON[map[string]any](t, rec); body["updates"] != float64(1) {
		t.Fatalf("expected 1 update after reload, got %v", body["updates"])
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestServer(t)

	rec := env.doJSON(t, "GET", "/v1/health", nil)
	requireStatus(t, rec, http.StatusOK)
	if body := decodeJSON[map[string]any](t, rec); body["status"] != "ok" || body["origin"] != env.hub.Origin() {
		t.Fatalf("unexpected health: %v", body)
	}

	env.store.failPing.Store(true)
	rec = env.doJSON(t, "GET", "/v1/health", nil)
	requireStatus(t, rec, http.StatusServiceUnavailable)
	if body := decodeJSON[map[string]any](t, rec); body["status"] != "degraded" {
		t.Fatalf("expected degraded, got %v", body)
	}
}

func TestHandlePresence(t *testing.T) {
	env := newTestServer(t)
	env.srv.touch(model.RoleSellerConveyancer, model.StageDraftContract)
	env.srv.touch(model.RoleBuyer, "")

	rec := env.doJSON(t, "GET", "/v1/presence", nil)
	requireStatus(t, rec, http.StatusOK)
	body := decodeJSON[struct {
		Viewers []map[string]any `json:"viewers"`
		Roles   []model.Role     `json:"roles"`
	}](t, rec)
	if len(body.Viewers) != 2 {
		t.Fatalf("expected 2 viewers, got %d", len(body.Viewers))
	}
	if len(body.Roles) != 2 || body.Roles[0] != model.RoleBuyer || body.Roles[1] != model.RoleSellerConveyancer {
		t.Fatalf("unexpected roles %v", body.Roles)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{inputError("bad"), http.StatusBadRequest},
		{&model.ValidationError{Errors: []model.FieldError{{Field: "f", Message: "m"}}}, http.StatusBadRequest},
		{model.ErrNotFound, http.StatusNotFound},
		{proposals.ErrAlreadyAgreed, http.StatusConflict},
		{model.ErrForbiddenTransition, http.StatusForbidden},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
