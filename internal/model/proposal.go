package model

import "time"

// ProposalStatus is the lifecycle state of a completion-date proposal.
type ProposalStatus string

const (
	ProposalPending    ProposalStatus = "pending"
	ProposalAccepted   ProposalStatus = "accepted"
	ProposalRejected   ProposalStatus = "rejected"
	ProposalSuperseded ProposalStatus = "superseded"
)

// IsTerminal reports whether no further transition is possible.
func (s ProposalStatus) IsTerminal() bool {
	return s == ProposalAccepted || s == ProposalRejected || s == ProposalSuperseded
}

// Decision is a counterpart's answer to a proposal.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// ProposalResponse records one decision taken on a proposal.
type ProposalResponse struct {
	Role      Role      `json:"role"`
	Decision  Decision  `json:"decision"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CompletionProposal is a proposed completion date for one transaction.
type CompletionProposal struct {
	ID            string             `json:"id"`
	TransactionID string             `json:"transactionId"`
	Date          string             `json:"date"`
	Time          string             `json:"time,omitempty"`
	ProposedBy    Role               `json:"proposedBy"`
	Reason        string             `json:"reason,omitempty"`
	Status        ProposalStatus     `json:"status"`
	Timestamp     time.Time          `json:"timestamp"`
	Responses     []ProposalResponse `json:"responses,omitempty"`
}

// Clone returns a copy that shares no slices with p.
func (p CompletionProposal) Clone() CompletionProposal {
	if p.Responses != nil {
		p.Responses = append([]ProposalResponse(nil), p.Responses...)
	}
	return p
}
