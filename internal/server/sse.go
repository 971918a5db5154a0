package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alfredjeanlab/conveyance/internal/events"
	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/presence"
	"github.com/alfredjeanlab/conveyance/internal/realtime"
)

const (
	// sseRingBufferSize is the number of recent events kept in memory for
	// Last-Event-ID reconnection support.
	sseRingBufferSize = 1000

	// sseKeepaliveInterval is how often keepalive comments are sent to
	// prevent connection timeouts.
	sseKeepaliveInterval = 15 * time.Second
)

// sseEvent is a single event stored in the ring buffer and sent to SSE clients.
type sseEvent struct {
	ID    uint64 // monotonically increasing sequence number
	Topic string
	Stage model.Stage // stage of the carried record, if any
	Role  model.Role  // sender of the carried record, if any
	Data  []byte      // JSON-encoded payload
}

// streamPayload is the data of one SSE event.
type streamPayload struct {
	Kind     realtime.ChangeKind `json:"kind"`
	Record   *model.UpdateRecord `json:"record,omitempty"`
	RecordID string              `json:"recordId,omitempty"`
	Remote   bool                `json:"remote,omitempty"`
	Total    int                 `json:"total,omitempty"`
}

// sseHub fans out hub changes to connected SSE clients.
// It maintains an in-memory ring buffer for Last-Event-ID reconnection.
type sseHub struct {
	mu         sync.RWMutex
	clients    map[*sseClient]struct{}
	nextID     atomic.Uint64
	nextClient atomic.Uint64

	// Ring buffer for replay on reconnection.
	ringMu  sync.RWMutex
	ring    [sseRingBufferSize]sseEvent
	ringPos int // next write position (wraps around)
	ringLen int // number of valid entries (up to sseRingBufferSize)
}

// sseClient represents a single connected SSE consumer.
type sseClient struct {
	id         string
	topics     []string    // topic patterns to match (empty = all)
	stage      model.Stage // only records of this stage (empty = all)
	role       model.Role  // viewing role, for presence and excludeOwn
	excludeOwn bool        // skip records sent by role
	ch         chan *sseEvent
}

func newSSEHub() *sseHub {
	return &sseHub{
		clients: make(map[*sseClient]struct{}),
	}
}

// broadcast stores an event and sends it to all connected clients whose
// filters match.
func (h *sseHub) broadcast(evt sseEvent) {
	evt.ID = h.nextID.Add(1)

	h.ringMu.Lock()
	h.ring[h.ringPos] = evt
	h.ringPos = (h.ringPos + 1) % sseRingBufferSize
	if h.ringLen < sseRingBufferSize {
		h.ringLen++
	}
	h.ringMu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.matches(&evt) {
			select {
			case c.ch <- &evt:
			default:
				// Drop if client is slow so the hub never blocks.
				slog.Warn("sse client too slow, dropping event", "client", c.id, "topic", evt.Topic)
			}
		}
	}
}

// subscribe registers a new SSE client and returns it. Call unsubscribe when done.
func (h *sseHub) subscribe(c *sseClient) *sseClient {
	c.id = "sse-" + strconv.FormatUint(h.nextClient.Add(1), 10)
	c.ch = make(chan *sseEvent, 64)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// unsubscribe removes a client from the hub.
func (h *sseHub) unsubscribe(c *sseClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// clientCount returns the number of connected clients.
func (h *sseHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// eventsSince returns buffered events with ID > lastID, in order.
func (h *sseHub) eventsSince(lastID uint64) []*sseEvent {
	h.ringMu.RLock()
	defer h.ringMu.RUnlock()

	if h.ringLen == 0 {
		return nil
	}

	var result []*sseEvent
	start := h.ringPos - h.ringLen
	if start < 0 {
		start += sseRingBufferSize
	}
	for i := range h.ringLen {
		idx := (start + i) % sseRingBufferSize
		evt := h.ring[idx]
		if evt.ID > lastID {
			result = append(result, &evt)
		}
	}
	return result
}

// matches checks the client's topic, stage and role filters against evt.
// Events without a record (read, reload, reset) pass the stage and role
// filters.
func (c *sseClient) matches(evt *sseEvent) bool {
	if len(c.topics) > 0 {
		ok := false
		for _, pattern := range c.topics {
			if events.SubjectMatches(pattern, evt.Topic) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if c.stage != "" && evt.Stage != "" && evt.Stage != c.stage {
		return false
	}
	if c.excludeOwn && c.role != "" && evt.Role == c.role {
		return false
	}
	return true
}

// broadcastChange converts a hub change into stream events. Appends and
// merges produce one event per record.
func (s *Server) broadcastChange(c realtime.Change) {
	switch c.Kind {
	case realtime.ChangeAppended, realtime.ChangeMerged:
		for i := range c.Records {
			rec := c.Records[i]
			s.emitStream(events.TopicUpdateAppended, rec.Stage, rec.Role, streamPayload{
				Kind: c.Kind, Record: &rec, Remote: c.Remote,
			})
		}
	case realtime.ChangeRead:
		s.emitStream(events.TopicUpdateRead, "", "", streamPayload{
			Kind: c.Kind, RecordID: c.RecordID, Remote: c.Remote,
		})
	case realtime.ChangeReloaded:
		s.emitStream(events.TopicStorageChanged, "", "", streamPayload{
			Kind: c.Kind, Remote: c.Remote, Total: len(c.Records),
		})
	case realtime.ChangeReset:
		p := streamPayload{Kind: c.Kind, Remote: c.Remote}
		if len(c.Records) > 0 {
			p.Record = &c.Records[0]
		}
		s.emitStream(events.TopicPlatformReset, "", "", p)
	}
}

func (s *Server) emitStream(topic string, stage model.Stage, role model.Role, p streamPayload) {
	data, err := json.Marshal(p)
	if err != nil {
		slog.Warn("failed to marshal event for SSE broadcast", "topic", topic, "error", err)
		return
	}
	s.sseHub.broadcast(sseEvent{Topic: topic, Stage: stage, Role: role, Data: data})
}

// handleEventStream handles GET /v1/events/stream (SSE endpoint).
//
// Query parameters: topics (comma-separated NATS-style patterns), stage,
// role (the viewing role, recorded in presence) and exclude_own.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	q := r.URL.Query()
	var topics []string
	if v := q.Get("topics"); v != "" {
		for _, t := range strings.Split(v, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				topics = append(topics, t)
			}
		}
	}
	role, err := queryRole(r, "role")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stage, err := queryStage(r, "stage")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	excludeOwn, _ := strconv.ParseBool(q.Get("exclude_own"))

	client := s.sseHub.subscribe(&sseClient{
		topics:     topics,
		stage:      stage,
		role:       role,
		excludeOwn: excludeOwn,
	})
	defer s.sseHub.unsubscribe(client)

	s.recordViewer(client, presence.ActivityConnect)
	defer s.recordViewer(client, presence.ActivityDisconnect)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ":connected %s\n\n", client.id)
	flusher.Flush()

	// If the client sent Last-Event-ID, replay buffered events.
	if lastIDStr := r.Header.Get("Last-Event-ID"); lastIDStr != "" {
		if lastID, err := strconv.ParseUint(lastIDStr, 10, 64); err == nil {
			for _, evt := range s.sseHub.eventsSince(lastID) {
				if client.matches(evt) {
					writeSSEEvent(w, evt)
				}
			}
			flusher.Flush()
		}
	}

	ctx := r.Context()
	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-client.ch:
			writeSSEEvent(w, evt)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ":keepalive\n\n")
			flusher.Flush()
			s.recordViewer(client, presence.ActivityHeartbeat)
		}
	}
}

func (s *Server) recordViewer(c *sseClient, kind string) {
	if c.role == "" {
		return
	}
	s.Presence.Record(presence.Activity{Viewer: c.id, Role: c.role, Stage: c.stage, Kind: kind})
}

// writeSSEEvent writes a single SSE event to the writer.
func writeSSEEvent(w http.ResponseWriter, evt *sseEvent) {
	fmt.Fprintf(w, "id:%d\n", evt.ID)
	fmt.Fprintf(w, "event:%s\n", evt.Topic)
	fmt.Fprintf(w, "data:%s\n\n", evt.Data)
}
