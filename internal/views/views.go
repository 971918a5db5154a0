// Package views derives per-stage state from the update log. Every view is a
// pure function of the records and orders by record timestamp, not by
// arrival, so contexts that received records in different orders agree.
package views

import (
	"sort"
	"time"

	"github.com/alfredjeanlab/conveyance/internal/model"
)

// ItemStatus is the latest known status of one tracked item, such as a
// search or an enquiry, within a stage.
type ItemStatus struct {
	ItemID         string     `json:"itemId"`
	Status         string     `json:"status"`
	PreviousStatus string     `json:"previousStatus,omitempty"`
	Note           string     `json:"note,omitempty"`
	Role           model.Role `json:"role"`
	UpdateID       string     `json:"updateId"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Timeline returns the records matching f sorted by timestamp, oldest
// first. Records with equal timestamps keep their log order.
func Timeline(records []model.UpdateRecord, f model.UpdateFilter) []model.UpdateRecord {
	var out []model.UpdateRecord
	for _, r := range records {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// LatestStatuses reports, for each item with a status_changed record in
// stage, the status carried by the most recent record. The result is sorted
// by item id.
func LatestStatuses(records []model.UpdateRecord, stage model.Stage) []ItemStatus {
	latest := make(map[string]ItemStatus)
	for _, r := range Timeline(records, model.UpdateFilter{Stage: stage, Type: model.UpdateStatusChanged}) {
		sc, ok := model.PayloadAs[model.StatusChanged](r)
		if !ok || sc.ItemID == "" {
			continue
		}
		latest[sc.ItemID] = ItemStatus{
			ItemID:         sc.ItemID,
			Status:         sc.Status,
			PreviousStatus: sc.PreviousStatus,
			Note:           sc.Note,
			Role:           r.Role,
			UpdateID:       r.ID,
			UpdatedAt:      r.Timestamp,
		}
	}
	out := make([]ItemStatus, 0, len(latest))
	for _, s := range latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

// LatestStatus returns the current status of one item.
func LatestStatus(records []model.UpdateRecord, stage model.Stage, itemID string) (ItemStatus, bool) {
	for _, s := range LatestStatuses(records, stage) {
		if s.ItemID == itemID {
			return s, true
		}
	}
	return ItemStatus{}, false
}

// Notifications returns the unread records produced by roles other than
// role, newest first.
func Notifications(records []model.UpdateRecord, role model.Role) []model.UpdateRecord {
	var out []model.UpdateRecord
	for _, r := range records {
		if r.Read || r.Role == role {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// CompletedStages lists the stages with a stage_completed record, in
// workflow order.
func CompletedStages(records []model.UpdateRecord) []model.Stage {
	done := make(map[model.Stage]bool)
	for _, r := range records {
		if r.Type == model.UpdateStageCompleted {
			done[r.Stage] = true
		}
	}
	var out []model.Stage
	for _, s := range model.Stages {
		if done[s] {
			out = append(out, s)
		}
	}
	return out
}
