package model

import "time"

// DocumentStatus tracks delivery of a document to its recipient. It only
// moves forward: delivered -> downloaded -> reviewed.
type DocumentStatus string

const (
	DocumentStatusDelivered  DocumentStatus = "delivered"
	DocumentStatusDownloaded DocumentStatus = "downloaded"
	DocumentStatusReviewed   DocumentStatus = "reviewed"
)

// Rank orders statuses along the delivery sequence. Unknown statuses rank -1.
func (s DocumentStatus) Rank() int {
	switch s {
	case DocumentStatusDelivered:
		return 0
	case DocumentStatusDownloaded:
		return 1
	case DocumentStatusReviewed:
		return 2
	}
	return -1
}

// DocumentPriority is the sender's urgency hint.
type DocumentPriority string

const (
	PriorityLow    DocumentPriority = "low"
	PriorityNormal DocumentPriority = "normal"
	PriorityHigh   DocumentPriority = "high"
	PriorityUrgent DocumentPriority = "urgent"
)

// IsValid checks whether the priority is a known value. Empty is valid.
func (p DocumentPriority) IsValid() bool {
	switch p {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// DocumentRecord is a document sent by one role to another within a stage.
type DocumentRecord struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Stage         Stage            `json:"stage"`
	Status        DocumentStatus   `json:"status"`
	UploadedBy    Role             `json:"uploadedBy"`
	Recipient     Role             `json:"recipient"`
	UploadedAt    time.Time        `json:"uploadedAt"`
	Size          int64            `json:"size"`
	DownloadCount int              `json:"downloadCount"`
	CoverMessage  string           `json:"coverMessage,omitempty"`
	Deadline      *time.Time       `json:"deadline,omitempty"`
	Priority      DocumentPriority `json:"priority,omitempty"`
	ReviewedAt    *time.Time       `json:"reviewedAt,omitempty"`
}
