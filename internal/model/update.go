package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// UpdateType is the closed set of update record kinds.
type UpdateType string

const (
	UpdateStageCompleted          UpdateType = "stage_completed"
	UpdateStatusChanged           UpdateType = "status_changed"
	UpdateDocumentUploaded        UpdateType = "document_uploaded"
	UpdateDocumentDownloaded      UpdateType = "document_downloaded"
	UpdateDocumentReviewed        UpdateType = "document_reviewed"
	UpdateCompletionDateProposed  UpdateType = "completion_date_proposed"
	UpdateCompletionDateConfirmed UpdateType = "completion_date_confirmed"
	UpdateCompletionDateRejected  UpdateType = "completion_date_rejected"
	UpdateEnquiryRaised           UpdateType = "enquiry_raised"
	UpdateEnquiryAnswered         UpdateType = "enquiry_answered"
	UpdatePaymentMade             UpdateType = "payment_made"
	UpdatePlatformReset           UpdateType = "platform_reset"
)

// String returns the string representation of the update type.
func (t UpdateType) String() string {
	return string(t)
}

// IsValid checks whether the update type is a known value.
func (t UpdateType) IsValid() bool {
	_, ok := payloadDecoders[t]
	return ok
}

// Endpoint returns the API route that owns updates of this type, or "" when
// any role may send it directly. Owned types drive the document and proposal
// state machines and are only emitted by those transitions.
func (t UpdateType) Endpoint() string {
	switch t {
	case UpdateDocumentUploaded:
		return "POST /v1/documents"
	case UpdateDocumentDownloaded:
		return "GET /v1/documents/{id}/content"
	case UpdateDocumentReviewed:
		return "POST /v1/documents/{id}/review"
	case UpdateCompletionDateProposed:
		return "POST /v1/proposals"
	case UpdateCompletionDateConfirmed:
		return "POST /v1/proposals/{id}/accept"
	case UpdateCompletionDateRejected:
		return "POST /v1/proposals/{id}/reject"
	case UpdatePlatformReset:
		return "POST /v1/reset"
	}
	return ""
}

// Payload is the type-specific body of an update record. Each update type
// has exactly one payload struct.
type Payload interface {
	UpdateType() UpdateType
}

// StageCompleted marks a workflow stage as finished by the sending role.
type StageCompleted struct {
	Notes string `json:"notes,omitempty"`
}

// StatusChanged reports a new status for an item within a stage, e.g. a
// local authority search moving from "ordered" to "completed".
type StatusChanged struct {
	ItemID         string `json:"itemId"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previousStatus,omitempty"`
	Note           string `json:"note,omitempty"`
}

// DocumentUploaded announces a document delivered to a recipient role.
type DocumentUploaded struct {
	DocumentID string           `json:"documentId"`
	Name       string           `json:"name"`
	Recipient  Role             `json:"recipient"`
	Size       int64            `json:"size"`
	Priority   DocumentPriority `json:"priority,omitempty"`
	Deadline   *time.Time       `json:"deadline,omitempty"`
}

// DocumentDownloaded is emitted each time a document's content is fetched.
type DocumentDownloaded struct {
	DocumentID    string `json:"documentId"`
	DownloadedBy  Role   `json:"downloadedBy"`
	DownloadCount int    `json:"downloadCount"`
}

// DocumentReviewed is emitted when the recipient marks a document reviewed.
type DocumentReviewed struct {
	DocumentID string `json:"documentId"`
	ReviewedBy Role   `json:"reviewedBy"`
}

// CompletionDateProposed carries a newly created proposal.
type CompletionDateProposed struct {
	Proposal CompletionProposal `json:"proposal"`
}

// CompletionDateConfirmed records acceptance of a proposal and the ids of
// pending proposals it superseded.
type CompletionDateConfirmed struct {
	ProposalID    string   `json:"proposalId"`
	Date          string   `json:"date"`
	Time          string   `json:"time,omitempty"`
	SupersededIDs []string `json:"supersededIds,omitempty"`
}

// CompletionDateRejected records rejection of a proposal.
type CompletionDateRejected struct {
	ProposalID string `json:"proposalId"`
	Reason     string `json:"reason,omitempty"`
}

// EnquiryRaised is a pre-contract enquiry sent to the other side.
type EnquiryRaised struct {
	EnquiryID string `json:"enquiryId"`
	Question  string `json:"question"`
}

// EnquiryAnswered replies to a previously raised enquiry.
type EnquiryAnswered struct {
	EnquiryID string `json:"enquiryId"`
	Answer    string `json:"answer"`
}

// PaymentMade records a payment such as the transaction fee.
type PaymentMade struct {
	AmountPence int64  `json:"amountPence"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference,omitempty"`
}

// PlatformReset is broadcast after the whole platform state is cleared.
type PlatformReset struct{}

func (StageCompleted) UpdateType() UpdateType          { return UpdateStageCompleted }
func (StatusChanged) UpdateType() UpdateType           { return UpdateStatusChanged }
func (DocumentUploaded) UpdateType() UpdateType        { return UpdateDocumentUploaded }
func (DocumentDownloaded) UpdateType() UpdateType      { return UpdateDocumentDownloaded }
func (DocumentReviewed) UpdateType() UpdateType        { return UpdateDocumentReviewed }
func (CompletionDateProposed) UpdateType() UpdateType  { return UpdateCompletionDateProposed }
func (CompletionDateConfirmed) UpdateType() UpdateType { return UpdateCompletionDateConfirmed }
func (CompletionDateRejected) UpdateType() UpdateType  { return UpdateCompletionDateRejected }
func (EnquiryRaised) UpdateType() UpdateType           { return UpdateEnquiryRaised }
func (EnquiryAnswered) UpdateType() UpdateType         { return UpdateEnquiryAnswered }
func (PaymentMade) UpdateType() UpdateType             { return UpdatePaymentMade }
func (PlatformReset) UpdateType() UpdateType           { return UpdatePlatformReset }

var payloadDecoders = map[UpdateType]func(json.RawMessage) (Payload, error){
	UpdateStageCompleted:          decodePayload[StageCompleted],
	UpdateStatusChanged:           decodePayload[StatusChanged],
	UpdateDocumentUploaded:        decodePayload[DocumentUploaded],
	UpdateDocumentDownloaded:      decodePayload[DocumentDownloaded],
	UpdateDocumentReviewed:        decodePayload[DocumentReviewed],
	UpdateCompletionDateProposed:  decodePayload[CompletionDateProposed],
	UpdateCompletionDateConfirmed: decodePayload[CompletionDateConfirmed],
	UpdateCompletionDateRejected:  decodePayload[CompletionDateRejected],
	UpdateEnquiryRaised:           decodePayload[EnquiryRaised],
	UpdateEnquiryAnswered:         decodePayload[EnquiryAnswered],
	UpdatePaymentMade:             decodePayload[PaymentMade],
	UpdatePlatformReset:           decodePayload[PlatformReset],
}

func decodePayload[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// DecodePayload decodes raw JSON into the payload struct registered for t.
// An empty body yields the zero payload.
func DecodePayload(t UpdateType, raw json.RawMessage) (Payload, error) {
	dec, ok := payloadDecoders[t]
	if !ok {
		return nil, fmt.Errorf("unknown update type %q", t)
	}
	p, err := dec(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// UpdateRecord is one entry of the shared update log.
type UpdateRecord struct {
	ID          string
	Type        UpdateType
	Stage       Stage
	Role        Role
	Title       string
	Description string
	Data        Payload
	Timestamp   time.Time
	Read        bool
}

type updateRecordJSON struct {
	ID          string          `json:"id"`
	Type        UpdateType      `json:"type"`
	Stage       Stage           `json:"stage"`
	Role        Role            `json:"role"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Read        bool            `json:"read"`
}

// MarshalJSON encodes the record in the flat {type, ..., data} layout.
func (r UpdateRecord) MarshalJSON() ([]byte, error) {
	var data json.RawMessage
	if r.Data != nil {
		b, err := json.Marshal(r.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", r.Type, err)
		}
		data = b
	}
	return json.Marshal(updateRecordJSON{
		ID:          r.ID,
		Type:        r.Type,
		Stage:       r.Stage,
		Role:        r.Role,
		Title:       r.Title,
		Description: r.Description,
		Data:        data,
		Timestamp:   r.Timestamp,
		Read:        r.Read,
	})
}

// UnmarshalJSON decodes the record, selecting the payload struct by type.
func (r *UpdateRecord) UnmarshalJSON(b []byte) error {
	var w updateRecordJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	data, err := DecodePayload(w.Type, w.Data)
	if err != nil {
		return err
	}
	*r = UpdateRecord{
		ID:          w.ID,
		Type:        w.Type,
		Stage:       w.Stage,
		Role:        w.Role,
		Title:       w.Title,
		Description: w.Description,
		Data:        data,
		Timestamp:   w.Timestamp,
		Read:        w.Read,
	}
	return nil
}

// PayloadAs returns the record's payload as T when the record carries one.
func PayloadAs[T Payload](r UpdateRecord) (T, bool) {
	p, ok := r.Data.(T)
	return p, ok
}

// UpdateFilter selects update records. Zero fields match everything.
type UpdateFilter struct {
	Stage  Stage      `json:"stage,omitempty"`
	Role   Role       `json:"role,omitempty"`
	Type   UpdateType `json:"type,omitempty"`
	Unread bool       `json:"unread,omitempty"`
}

// Matches reports whether r satisfies the filter.
func (f UpdateFilter) Matches(r UpdateRecord) bool {
	if f.Stage != "" && r.Stage != f.Stage {
		return false
	}
	if f.Role != "" && r.Role != f.Role {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Unread && r.Read {
		return false
	}
	return true
}
