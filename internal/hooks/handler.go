package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/realtime"
)

// Hook is one command and the updates it fires on. Empty filters match
// everything.
type Hook struct {
	Name    string             `toml:"name"`
	Command string             `toml:"command"`
	Types   []model.UpdateType `toml:"types"`
	Stages  []model.Stage      `toml:"stages"`
	Roles   []model.Role       `toml:"roles"` // sending roles
	Timeout int                `toml:"timeout"` // seconds
}

// Matches reports whether the hook fires for r.
func (h Hook) Matches(r model.UpdateRecord) bool {
	if len(h.Types) > 0 && !slices.Contains(h.Types, r.Type) {
		return false
	}
	if len(h.Stages) > 0 && !slices.Contains(h.Stages, r.Stage) {
		return false
	}
	if len(h.Roles) > 0 && !slices.Contains(h.Roles, r.Role) {
		return false
	}
	return true
}

func (h Hook) validate() error {
	if h.Command == "" {
		return fmt.Errorf("hook %q: command is required", h.Name)
	}
	for _, t := range h.Types {
		if !t.IsValid() {
			return fmt.Errorf("hook %q: unknown update type %q", h.Name, t)
		}
	}
	for _, s := range h.Stages {
		if !s.IsValid() {
			return fmt.Errorf("hook %q: unknown stage %q", h.Name, s)
		}
	}
	for _, r := range h.Roles {
		if !r.IsValid() {
			return fmt.Errorf("hook %q: unknown role %q", h.Name, r)
		}
	}
	return nil
}

type hooksFile struct {
	Hooks []Hook `toml:"hook"`
}

// LoadFile reads [[hook]] tables from a TOML file.
func LoadFile(path string) ([]Hook, error) {
	var f hooksFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("hooks: load %s: %w", path, err)
	}
	for i := range f.Hooks {
		if f.Hooks[i].Name == "" {
			f.Hooks[i].Name = fmt.Sprintf("hook-%d", i+1)
		}
		if err := f.Hooks[i].validate(); err != nil {
			return nil, fmt.Errorf("hooks: %s: %w", path, err)
		}
	}
	return f.Hooks, nil
}

// queueSize bounds the records waiting for hook execution.
const queueSize = 256

// Handler runs hooks for records appended in this context. Records merged
// from other contexts are skipped; their own context runs the hooks.
type Handler struct {
	hooks  []Hook
	logger *slog.Logger
	queue  chan model.UpdateRecord

	mu      sync.Mutex
	dropped int
}

// NewHandler creates a handler for hooks. A nil logger uses the default.
func NewHandler(hooks []Hook, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hooks:  hooks,
		logger: logger,
		queue:  make(chan model.UpdateRecord, queueSize),
	}
}

// OnChange queues appended records. It never blocks, so it is safe to pass
// to realtime.Hub.Subscribe; when the queue is full the record is dropped
// and logged.
func (h *Handler) OnChange(c realtime.Change) {
	if c.Remote || c.Kind != realtime.ChangeAppended {
		return
	}
	for _, r := range c.Records {
		select {
		case h.queue <- r:
		default:
			h.mu.Lock()
			h.dropped++
			h.mu.Unlock()
			h.logger.Warn("hooks: queue full, dropping update", "update_id", r.ID, "type", r.Type)
		}
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (h *Handler) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Run executes queued records until ctx is done.
func (h *Handler) Run(ctx context.Context) error {
	h.logger.Info("hooks: runner started", "hooks", len(h.hooks))
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hooks: runner stopping")
			return nil
		case r := <-h.queue:
			h.HandleUpdate(ctx, r)
		}
	}
}

// HandleUpdate runs every hook matching r in file order and returns their
// results. Failures are logged and do not stop later hooks.
func (h *Handler) HandleUpdate(ctx context.Context, r model.UpdateRecord) []Result {
	var results []Result
	var payload []byte
	for _, hook := range h.hooks {
		if !hook.Matches(r) {
			continue
		}
		if payload == nil {
			b, err := json.Marshal(r)
			if err != nil {
				h.logger.Error("hooks: encode update", "update_id", r.ID, "error", err)
				return results
			}
			payload = b
		}

		res := Execute(ctx, hook.Command, time.Duration(hook.Timeout)*time.Second, envFor(r), payload)
		res.Hook = hook.Name
		results = append(results, res)

		if res.Err != nil {
			h.logger.Warn("hooks: command failed",
				"hook", hook.Name, "update_id", r.ID, "exit_code", res.ExitCode,
				"timed_out", res.TimedOut, "error", res.Err, "output", res.Output)
			continue
		}
		h.logger.Info("hooks: executed", "hook", hook.Name, "update_id", r.ID, "type", r.Type, "duration", res.Duration)
	}
	return results
}

func envFor(r model.UpdateRecord) map[string]string {
	return map[string]string{
		"CONVEY_UPDATE_ID":   r.ID,
		"CONVEY_UPDATE_TYPE": string(r.Type),
		"CONVEY_STAGE":       string(r.Stage),
		"CONVEY_ROLE":        string(r.Role),
		"CONVEY_TITLE":       r.Title,
	}
}
