package realtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alfredjeanlab/conveyance/internal/events"
	"github.com/alfredjeanlab/conveyance/internal/model"
)

// Run consumes the bus until ctx is done or the subscription closes, folding
// changes made by other contexts into this hub. Messages this hub published
// itself are skipped, and records already in the log are not applied twice,
// so duplicate delivery is harmless.
func (h *Hub) Run(ctx context.Context, sub events.Subscriber) error {
	ch, cancel, err := sub.Subscribe(events.TopicAll)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", events.TopicAll, err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := events.DecodeEnvelope(raw)
			if err != nil {
				slog.Warn("skipping malformed bus message", "error", err)
				continue
			}
			h.HandleEnvelope(ctx, env)
		}
	}
}

// HandleEnvelope applies one bus message from another context.
func (h *Hub) HandleEnvelope(ctx context.Context, env events.Envelope) {
	if env.Origin == h.origin {
		return
	}
	switch env.Topic {
	case events.TopicUpdateAppended:
		if env.Record == nil {
			return
		}
		h.merge(ctx, *env.Record)
	case events.TopicUpdateRead:
		h.resetMu.RLock()
		changed, err := h.log.MarkRead(ctx, env.RecordID)
		if err != nil {
			slog.Warn("read flag not persisted", "update_id", env.RecordID, "error", err)
		}
		if changed {
			h.notify(Change{Kind: ChangeRead, RecordID: env.RecordID, Remote: true})
		}
		h.resetMu.RUnlock()
	case events.TopicStorageChanged:
		if err := h.reload(ctx, env.Key, true); err != nil {
			slog.Warn("reload after storage change failed", "key", env.Key, "error", err)
		}
	case events.TopicPlatformReset:
		if err := h.reset(ctx, true); err != nil {
			slog.Warn("remote reset not persisted", "error", err)
		}
	default:
		slog.Debug("ignoring bus topic", "topic", env.Topic)
	}
}

func (h *Hub) merge(ctx context.Context, rec model.UpdateRecord) {
	h.resetMu.RLock()
	defer h.resetMu.RUnlock()

	changed, err := h.log.Merge(ctx, rec)
	if err != nil {
		slog.Warn("merged update not persisted", "update_id", rec.ID, "error", err)
	}
	if len(changed) == 0 {
		return
	}
	for _, r := range changed {
		h.applyDerived(ctx, r)
	}
	h.notify(Change{Kind: ChangeMerged, Records: changed, Remote: true})
}

// applyDerived keeps the document registry and proposal book in step with
// updates produced elsewhere.
func (h *Hub) applyDerived(ctx context.Context, r model.UpdateRecord) {
	var err error
	switch r.Type {
	case model.UpdateDocumentUploaded, model.UpdateDocumentDownloaded, model.UpdateDocumentReviewed:
		_, err = h.docs.Apply(ctx, r)
	case model.UpdateCompletionDateProposed, model.UpdateCompletionDateConfirmed, model.UpdateCompletionDateRejected:
		if h.proposals != nil {
			_, err = h.proposals.Apply(ctx, r)
		}
	}
	if err != nil {
		slog.Warn("failed to apply remote update", "update_id", r.ID, "type", r.Type, "error", err)
	}
}
