// Package client provides a transport-agnostic interface for the conveyancing
// update service and an HTTP/JSON implementation that talks to its REST API.
package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alfredjeanlab/conveyance/internal/documents"
	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/presence"
	"github.com/alfredjeanlab/conveyance/internal/proposals"
	"github.com/alfredjeanlab/conveyance/internal/views"
)

// Client is the interface that all ct CLI commands use to communicate with
// the server. It is implemented by HTTPClient.
type Client interface {
	// Updates
	SendUpdate(ctx context.Context, req *SendUpdateRequest) (*model.UpdateRecord, error)
	ListUpdates(ctx context.Context, req *ListUpdatesRequest) ([]model.UpdateRecord, error)
	MarkRead(ctx context.Context, id string) (bool, error)
	StageStatuses(ctx context.Context, stage model.Stage) (*StageStatusesResponse, error)
	Notifications(ctx context.Context, role model.Role) ([]model.UpdateRecord, error)

	// Documents
	SendDocument(ctx context.Context, in *documents.SendInput) (*model.DocumentRecord, error)
	ListDocuments(ctx context.Context, role model.Role, stage model.Stage) ([]model.DocumentRecord, error)
	DownloadDocument(ctx context.Context, id string, role model.Role) ([]byte, error)
	ReviewDocument(ctx context.Context, id string, role model.Role) (*model.DocumentRecord, error)

	// Completion-date proposals
	Propose(ctx context.Context, in *proposals.ProposeInput) (*model.CompletionProposal, error)
	ListProposals(ctx context.Context, transactionID string) (*ListProposalsResponse, error)
	Accept(ctx context.Context, id string, role model.Role, message string) (*proposals.Decision, error)
	Reject(ctx context.Context, id string, role model.Role, reason string) (*proposals.Decision, error)

	// Platform
	Reset(ctx context.Context) error
	Reload(ctx context.Context) (int, error)
	Presence(ctx context.Context) (*PresenceResponse, error)
	Health(ctx context.Context) (*HealthResponse, error)

	// Stream delivers live events until ctx is done or fn returns an error.
	Stream(ctx context.Context, req *StreamRequest, fn func(StreamEvent) error) error

	// Lifecycle
	Close() error
}

// SendUpdateRequest holds parameters for sending an update. Data is the
// type-specific payload as JSON.
type SendUpdateRequest struct {
	ID          string           `json:"id,omitempty"`
	Type        model.UpdateType `json:"type"`
	Stage       model.Stage      `json:"stage"`
	Role        model.Role       `json:"role"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Data        json.RawMessage  `json:"data,omitempty"`
	Timestamp   *time.Time       `json:"timestamp,omitempty"`
}

// ListUpdatesRequest holds the update filters. Zero fields match everything.
type ListUpdatesRequest struct {
	Stage    model.Stage
	Role     model.Role
	Type     model.UpdateType
	Unread   bool
	Timeline bool // order by timestamp instead of log order
}

// StageStatusesResponse is the response from StageStatuses.
type StageStatusesResponse struct {
	Stage     model.Stage        `json:"stage"`
	Statuses  []views.ItemStatus `json:"statuses"`
	Completed bool               `json:"completed"`
}

// ListProposalsResponse is the response from ListProposals.
type ListProposalsResponse struct {
	Proposals []model.CompletionProposal `json:"proposals"`
	Accepted  *model.CompletionProposal  `json:"accepted,omitempty"`
	Total     int                        `json:"total"`
}

// PresenceResponse is the response from Presence.
type PresenceResponse struct {
	Viewers []presence.Entry `json:"viewers"`
	Roles   []model.Role     `json:"roles"`
	Streams int              `json:"streams"`
}

// HealthResponse is the response from Health.
type HealthResponse struct {
	Status  string `json:"status"`
	Origin  string `json:"origin"`
	Updates int    `json:"updates"`
	Store   string `json:"store,omitempty"`
	// Sync is the snapshot scheduler status, when the server runs one.
	Sync json.RawMessage `json:"sync,omitempty"`
}

// StreamRequest holds the live stream filters.
type StreamRequest struct {
	Topics     []string
	Stage      model.Stage
	Role       model.Role
	ExcludeOwn bool
	// LastEventID resumes after the given event.
	LastEventID string
}

// StreamEvent is one event received from the live stream.
type StreamEvent struct {
	ID       string              `json:"-"`
	Topic    string              `json:"-"`
	Kind     string              `json:"kind"`
	Record   *model.UpdateRecord `json:"record,omitempty"`
	RecordID string              `json:"recordId,omitempty"`
	Remote   bool                `json:"remote,omitempty"`
	Total    int                 `json:"total,omitempty"`
}

// Warning is returned alongside a successful result when the server could
// not persist the change. The change is live but may not survive a restart.
type Warning struct {
	Message string
}

func (w *Warning) Error() string { return "server warning: " + w.Message }
