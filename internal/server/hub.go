package server

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ErrHubClosed is returned by Serve once Shutdown has started.
var ErrHubClosed = errors.New("hub is shut down")

// Hub is the session registry. It maps each online user to the set of live
// sessions they hold and pushes encoded events onto those sessions' queues.
// All state lives in memory and is lost on restart.
type Hub struct {
	sessions map[int64]map[*Client]struct{}
	mutex    sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	logger   *slog.Logger
	metrics  *Metrics
}

// NewHub creates an empty Hub. metrics may be nil.
func NewHub(logger *slog.Logger, metrics *Metrics) *Hub {
	return &Hub{
		sessions: make(map[int64]map[*Client]struct{}),
		logger:   logger.With(slog.String("component", "hub")),
		metrics:  metrics,
	}
}

// Register associates a session with its user. It reports whether the user
// went from offline to online. Registering the same session twice, or any
// session after Shutdown, is a no-op.
func (h *Hub) Register(client *Client) bool {
	if client == nil {
		return false
	}

	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return false
	}
	set, online := h.sessions[client.userID]
	if !online {
		set = make(map[*Client]struct{})
		h.sessions[client.userID] = set
	}
	if _, exists := set[client]; exists {
		h.mutex.Unlock()
		return false
	}
	set[client] = struct{}{}
	sessionCount := len(set)
	h.updateGaugesLocked()
	h.mutex.Unlock()

	h.logger.Info("session registered",
		slog.Int64("user_id", client.userID),
		slog.String("session_id", client.id),
		slog.String("addr", client.addr),
		slog.Int("user_sessions", sessionCount),
	)
	return !online
}

// Unregister removes a session and closes its send queue. It reports whether
// that was the user's last session. It is safe to call from any goroutine
// and more than once.
func (h *Hub) Unregister(client *Client) bool {
	if client == nil {
		return false
	}

	h.mutex.Lock()
	set, ok := h.sessions[client.userID]
	if !ok {
		h.mutex.Unlock()
		return false
	}
	if _, exists := set[client]; !exists {
		h.mutex.Unlock()
		return false
	}
	delete(set, client)
	last := len(set) == 0
	if last {
		delete(h.sessions, client.userID)
	}
	// Closed under the write lock so no Send can be enqueueing concurrently.
	close(client.send)
	h.updateGaugesLocked()
	h.mutex.Unlock()

	client.cancel()
	h.logger.Info("session unregistered",
		slog.Int64("user_id", client.userID),
		slog.String("session_id", client.id),
		slog.Bool("user_offline", last),
	)
	return last
}

// Send pushes payload to every live session of userID. Delivery is best
// effort: sessions whose queue is full are dropped after the snapshot is
// released, and nothing is reported to the caller.
func (h *Hub) Send(userID int64, payload []byte) {
	h.removeFailedClients(h.enqueueAll(userID, payload))
}

// SendMany calls Send for each distinct user id.
func (h *Hub) SendMany(userIDs []int64, payload []byte) {
	seen := make(map[int64]struct{}, len(userIDs))
	var failed []*Client
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		failed = append(failed, h.enqueueAll(id, payload)...)
	}
	h.removeFailedClients(failed)
}

// SendTo pushes payload to a single session. It reports whether the payload
// was enqueued.
func (h *Hub) SendTo(client *Client, payload []byte) bool {
	h.mutex.RLock()
	_, registered := h.sessions[client.userID][client]
	ok := registered && h.enqueue(client, payload)
	h.mutex.RUnlock()

	if registered && !ok {
		h.removeFailedClients([]*Client{client})
	}
	return ok
}

// enqueueAll holds the read lock while enqueueing. Queues in the map are never
// closed because Unregister needs the write lock to close them.
func (h *Hub) enqueueAll(userID int64, payload []byte) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	var failed []*Client
	for client := range h.sessions[userID] {
		if !h.enqueue(client, payload) {
			failed = append(failed, client)
		}
	}
	return failed
}

func (h *Hub) enqueue(client *Client, payload []byte) bool {
	select {
	case client.send <- payload:
		if h.metrics != nil {
			h.metrics.pushes.Inc()
		}
		return true
	default:
		if h.metrics != nil {
			h.metrics.pushesDropped.Inc()
		}
		return false
	}
}

func (h *Hub) removeFailedClients(clients []*Client) {
	for _, client := range clients {
		h.logger.Debug("dropping session with full send buffer",
			slog.Int64("user_id", client.userID),
			slog.String("session_id", client.id),
		)
		h.Unregister(client)
	}
}

// ListOnline returns the ids of users with at least one live session, sorted.
func (h *Hub) ListOnline() []int64 {
	h.mutex.RLock()
	ids := make([]int64, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mutex.RUnlock()

	slices.Sort(ids)
	return ids
}

// IsOnline reports whether userID has at least one live session.
func (h *Hub) IsOnline(userID int64) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	_, ok := h.sessions[userID]
	return ok
}

// SessionCount returns the number of live sessions across all users.
func (h *Hub) SessionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.sessionCountLocked()
}

func (h *Hub) sessionCountLocked() int {
	n := 0
	for _, set := range h.sessions {
		n += len(set)
	}
	return n
}

func (h *Hub) updateGaugesLocked() {
	if h.metrics == nil {
		return
	}
	h.metrics.sessions.Set(float64(h.sessionCountLocked()))
	h.metrics.usersOnline.Set(float64(len(h.sessions)))
}

// Serve starts the session's read and write pumps. The pumps are tracked so
// Shutdown can wait for them.
func (h *Hub) Serve(client *Client) error {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return ErrHubClosed
	}
	h.wg.Add(2)
	h.mutex.Unlock()

	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
	return nil
}

// Shutdown closes every session and waits for all pumps to finish, or until
// the timeout is reached. Sessions still running at the deadline have their
// connections closed forcibly.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.mutex.Lock()
	h.closed = true
	var clients []*Client
	for _, set := range h.sessions {
		for client := range set {
			clients = append(clients, client)
		}
	}
	h.mutex.Unlock()

	for _, client := range clients {
		h.Unregister(client)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed", slog.Int("closed_sessions", len(clients)))
		return nil
	case <-time.After(timeout):
		for _, client := range clients {
			client.closeConnection()
		}
		h.logger.Warn("hub shutdown timeout reached, connections closed forcibly")
		return context.DeadlineExceeded
	}
}
