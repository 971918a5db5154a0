// Package events carries change notifications between contexts attached to
// the same transaction: server instances, CLI watchers and stream clients.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alfredjeanlab/conveyance/internal/model"
)

// Event topic constants
const (
	TopicUpdateAppended = "conveyance.update.appended"
	TopicUpdateRead     = "conveyance.update.read"
	TopicStorageChanged = "conveyance.storage.changed"
	TopicPlatformReset  = "conveyance.platform.reset"

	// TopicAll matches every topic above.
	TopicAll = "conveyance.>"
)

// Envelope is the message published on every topic. Origin identifies the
// context that produced it so receivers can skip their own echoes.
type Envelope struct {
	Origin   string              `json:"origin"`
	Topic    string              `json:"topic"`
	Record   *model.UpdateRecord `json:"record,omitempty"`
	RecordID string              `json:"recordId,omitempty"`
	Key      string              `json:"key,omitempty"`
}

// DecodeEnvelope parses a raw bus payload.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Topic == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing topic")
	}
	return env, nil
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// Bus is a transport that can both publish and subscribe.
type Bus interface {
	Publisher
	Subscriber
}
