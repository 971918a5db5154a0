// Package server exposes a context's hub over HTTP, Server-Sent Events and
// a gRPC health service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/presence"
	"github.com/alfredjeanlab/conveyance/internal/proposals"
	"github.com/alfredjeanlab/conveyance/internal/realtime"
	"github.com/alfredjeanlab/conveyance/internal/store"
	backup "github.com/alfredjeanlab/conveyance/internal/sync"
	"github.com/alfredjeanlab/conveyance/internal/updates"
)

// Options holds the optional collaborators of a Server.
type Options struct {
	// Store is pinged by the health endpoints. Nil reports healthy.
	Store store.Store
	// Presence records which roles are viewing. Created when nil.
	Presence *presence.Tracker
	// PresenceStale hides viewers idle longer than this. Default 2m.
	PresenceStale time.Duration
	// Sync, when set, is reported by the health endpoint and triggered
	// after a reset.
	Sync *backup.Scheduler
}

// Server serves one context's hub.
type Server struct {
	hub       *realtime.Hub
	proposals *proposals.Service
	store     store.Store
	sync      *backup.Scheduler
	sseHub    *sseHub
	Presence  *presence.Tracker

	presenceStale time.Duration
	unsubscribe   func()
}

// New returns a server over hub and props. The server subscribes to the hub
// so every change reaches connected stream clients; call Close to detach.
func New(hub *realtime.Hub, props *proposals.Service, opts Options) *Server {
	s := &Server{
		hub:           hub,
		proposals:     props,
		store:         opts.Store,
		sync:          opts.Sync,
		sseHub:        newSSEHub(),
		Presence:      opts.Presence,
		presenceStale: opts.PresenceStale,
	}
	if s.Presence == nil {
		s.Presence = presence.New()
	}
	if s.presenceStale <= 0 {
		s.presenceStale = 2 * time.Minute
	}
	s.unsubscribe = hub.Subscribe(s.broadcastChange)
	return s
}

// Close detaches the server from the hub.
func (s *Server) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// ping reports whether the backing store is reachable.
func (s *Server) ping(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.store.Ping(ctx)
}

// touch records API activity for role. Unknown roles are ignored.
func (s *Server) touch(role model.Role, stage model.Stage) {
	s.Presence.Record(presence.Activity{
		Viewer: string(role),
		Role:   role,
		Stage:  stage,
		Kind:   presence.ActivityRequest,
	})
}

// inputError indicates invalid user input.
// Transport layers map this to 400 / InvalidArgument.
type inputError string

func (e inputError) Error() string { return string(e) }

// errorStatus maps a service error to an HTTP status code.
func errorStatus(err error) int {
	var ie inputError
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ie), errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrForbiddenTransition):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeResult writes data with status, or the mapped error. A persistence
// failure does not fail the request: the result is written with a warning.
func writeResult(w http.ResponseWriter, status int, data any, err error) {
	if err == nil {
		writeJSON(w, status, data)
		return
	}
	var pe *updates.PersistenceError
	if errors.As(err, &pe) {
		slog.Warn("request completed without persistence", "op", pe.Op, "key", pe.Key, "error", pe.Err)
		writeJSON(w, status, withWarning(data, pe.Error()))
		return
	}
	writeError(w, errorStatus(err), err.Error())
}

// withWarning adds a "warning" field to the JSON object form of data.
func withWarning(data any, warning string) any {
	b, err := json.Marshal(data)
	if err != nil {
		return map[string]any{"warning": warning}
	}
	obj := map[string]any{}
	if err := json.Unmarshal(b, &obj); err != nil {
		return map[string]any{"result": data, "warning": warning}
	}
	obj["warning"] = warning
	return obj
}

func isPersistence(err error) bool {
	var pe *updates.PersistenceError
	return errors.As(err, &pe)
}
