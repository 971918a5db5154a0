// Package presence tracks which roles currently have a live view of the
// transaction open.
//
// The server records activity directly: a stream client connecting,
// heartbeating or disconnecting, and every API call that names a role. A
// background reaper marks viewers idle past a threshold as gone and later
// evicts them.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/conveyance/internal/model"
)

// Activity kinds recorded by the server.
const (
	ActivityConnect    = "connect"
	ActivityHeartbeat  = "heartbeat"
	ActivityDisconnect = "disconnect"
	ActivityRequest    = "request"
)

// Entry represents a single viewer's live presence state.
type Entry struct {
	Viewer       string      `json:"viewer"`
	Role         model.Role  `json:"role"`
	Stage        model.Stage `json:"stage,omitempty"`
	LastSeen     time.Time   `json:"lastSeen"`
	FirstSeen    time.Time   `json:"firstSeen"`
	LastActivity string      `json:"lastActivity"`
	IdleSecs     float64     `json:"idleSecs"`
	EventCount   int64       `json:"eventCount"`
	Connected    bool        `json:"connected"`
	Reaped       bool        `json:"reaped,omitempty"`
	ReapedAt     time.Time   `json:"reapedAt,omitempty"`
}

// Activity is one observation of a viewer.
type Activity struct {
	Viewer string      // stream connection id, or the role for plain API calls
	Role   model.Role  // acting role
	Stage  model.Stage // stage being viewed, if known
	Kind   string      // one of the Activity* constants
}

// ReaperConfig configures the background idle-viewer reaper.
type ReaperConfig struct {
	// GoneThreshold is how long a viewer must be idle before being marked
	// gone. Default: 2 minutes.
	GoneThreshold time.Duration

	// EvictAfter is how long after being reaped before a viewer is removed
	// from the map. Default: 10 minutes.
	EvictAfter time.Duration

	// SweepInterval is how often the reaper scans. Default: 30 seconds.
	SweepInterval time.Duration

	// OnGone is called for each viewer newly marked gone, outside the lock.
	OnGone func(viewer string, role model.Role)
}

// Tracker maintains an in-memory roster of viewers.
type Tracker struct {
	mu      sync.RWMutex
	viewers map[string]*viewerState
	now     func() time.Time

	reaperStop chan struct{}
	reaperDone chan struct{}
}

type viewerState struct {
	role         model.Role
	stage        model.Stage
	firstSeen    time.Time
	lastSeen     time.Time
	lastActivity string
	eventCount   int64
	connected    bool
	reaped       bool
	reapedAt     time.Time
}

// New creates a new presence tracker.
func New() *Tracker {
	return &Tracker{
		viewers: make(map[string]*viewerState),
		now:     time.Now,
	}
}

// Record updates the presence state of a viewer.
func (t *Tracker) Record(a Activity) {
	if a.Viewer == "" || !a.Role.IsValid() {
		return
	}

	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.viewers[a.Viewer]
	if !ok {
		state = &viewerState{firstSeen: now}
		t.viewers[a.Viewer] = state
	}
	if state.reaped {
		slog.Info("presence: viewer returned", "viewer", a.Viewer, "role", a.Role)
		state.reaped = false
		state.reapedAt = time.Time{}
	}

	state.role = a.Role
	if a.Stage != "" {
		state.stage = a.Stage
	}
	state.lastSeen = now
	state.lastActivity = a.Kind
	state.eventCount++
	switch a.Kind {
	case ActivityConnect, ActivityHeartbeat:
		state.connected = true
	case ActivityDisconnect:
		state.connected = false
	}
}

// Roster returns a snapshot of all tracked viewers, most recently active
// first. Viewers idle longer than staleThreshold are excluded; pass 0 to
// include every viewer.
func (t *Tracker) Roster(staleThreshold time.Duration) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	entries := make([]Entry, 0, len(t.viewers))
	for viewer, state := range t.viewers {
		idle := now.Sub(state.lastSeen)
		if staleThreshold > 0 && idle > staleThreshold {
			continue
		}
		entries = append(entries, Entry{
			Viewer:       viewer,
			Role:         state.role,
			Stage:        state.stage,
			LastSeen:     state.lastSeen,
			FirstSeen:    state.firstSeen,
			LastActivity: state.lastActivity,
			IdleSecs:     idle.Seconds(),
			EventCount:   state.eventCount,
			Connected:    state.connected,
			Reaped:       state.reaped,
			ReapedAt:     state.reapedAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastSeen.After(entries[j].LastSeen)
	})
	return entries
}

// ActiveRoles returns the distinct roles with a viewer seen within
// staleThreshold that has not been reaped, in canonical role order.
func (t *Tracker) ActiveRoles(staleThreshold time.Duration) []model.Role {
	seen := make(map[model.Role]bool)
	for _, e := range t.Roster(staleThreshold) {
		if !e.Reaped {
			seen[e.Role] = true
		}
	}
	var out []model.Role
	for _, r := range model.Roles {
		if seen[r] {
			out = append(out, r)
		}
	}
	return out
}

// Reset forgets every viewer.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.viewers = make(map[string]*viewerState)
	t.mu.Unlock()
}

// StartReaper launches a background goroutine that periodically marks idle
// viewers as gone. Call Stop() to shut it down.
func (t *Tracker) StartReaper(cfg *ReaperConfig) {
	if cfg == nil {
		cfg = &ReaperConfig{}
	}
	if cfg.GoneThreshold == 0 {
		cfg.GoneThreshold = 2 * time.Minute
	}
	if cfg.EvictAfter == 0 {
		cfg.EvictAfter = 10 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	t.reaperStop = make(chan struct{})
	t.reaperDone = make(chan struct{})

	go t.reapLoop(cfg)
	slog.Info("presence: reaper started",
		"gone_threshold", cfg.GoneThreshold,
		"sweep_interval", cfg.SweepInterval)
}

// Stop shuts down the reaper goroutine.
func (t *Tracker) Stop() {
	if t.reaperStop != nil {
		close(t.reaperStop)
		<-t.reaperDone
		t.reaperStop = nil
		t.reaperDone = nil
	}
}

func (t *Tracker) reapLoop(cfg *ReaperConfig) {
	defer close(t.reaperDone)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.reaperStop:
			return
		case <-ticker.C:
			t.sweep(cfg)
		}
	}
}

func (t *Tracker) sweep(cfg *ReaperConfig) {
	now := t.now()

	type goneViewer struct {
		viewer string
		role   model.Role
	}
	var newlyGone []goneViewer

	t.mu.Lock()
	for viewer, state := range t.viewers {
		if state.reaped {
			if !state.reapedAt.IsZero() && now.Sub(state.reapedAt) > cfg.EvictAfter {
				delete(t.viewers, viewer)
			}
			continue
		}
		// A disconnected viewer is gone as soon as it goes quiet.
		threshold := cfg.GoneThreshold
		if !state.connected {
			threshold = cfg.GoneThreshold / 2
		}
		if now.Sub(state.lastSeen) > threshold {
			state.reaped = true
			state.reapedAt = now
			newlyGone = append(newlyGone, goneViewer{viewer: viewer, role: state.role})
		}
	}
	t.mu.Unlock()

	for _, g := range newlyGone {
		slog.Info("presence: reaper marked viewer gone",
			"viewer", g.viewer,
			"role", g.role,
			"threshold", cfg.GoneThreshold)
		if cfg.OnGone != nil {
			cfg.OnGone(g.viewer, g.role)
		}
	}
}
