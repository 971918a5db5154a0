package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/store"
)

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version       string    `json:"version"`
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	UpdateCount   int       `json:"update_count"`
	ProposalCount int       `json:"proposal_count"`
	DocumentCount int       `json:"document_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ExportJSONL writes the persisted update log, proposals and document
// metadata from the store as JSONL to w. Updates keep log order; proposals
// and documents are sorted by ID. Document content is not exported.
func ExportJSONL(ctx context.Context, s store.Store, w io.Writer) error {
	var updates []model.UpdateRecord
	if err := loadKey(ctx, s, store.KeyUpdates, &updates); err != nil {
		return err
	}
	var proposals []model.CompletionProposal
	if err := loadKey(ctx, s, store.KeyProposals, &proposals); err != nil {
		return err
	}
	var documents []model.DocumentRecord
	if err := loadKey(ctx, s, store.KeyDocuments, &documents); err != nil {
		return err
	}

	sort.Slice(proposals, func(i, j int) bool {
		return proposals[i].ID < proposals[j].ID
	})
	sort.Slice(documents, func(i, j int) bool {
		return documents[i].ID < documents[j].ID
	})

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:       "1",
		Type:          "header",
		Timestamp:     time.Now().UTC(),
		UpdateCount:   len(updates),
		ProposalCount: len(proposals),
		DocumentCount: len(documents),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	for _, u := range updates {
		if err := enc.Encode(record{Type: "update", Data: u}); err != nil {
			return fmt.Errorf("encode update %s: %w", u.ID, err)
		}
	}
	for _, p := range proposals {
		if err := enc.Encode(record{Type: "proposal", Data: p}); err != nil {
			return fmt.Errorf("encode proposal %s: %w", p.ID, err)
		}
	}
	for _, d := range documents {
		if err := enc.Encode(record{Type: "document", Data: d}); err != nil {
			return fmt.Errorf("encode document %s: %w", d.ID, err)
		}
	}

	return nil
}

// loadKey decodes the JSON array stored under key into out. A missing key
// leaves out empty.
func loadKey(ctx context.Context, s store.Store, key string, out interface{}) error {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
