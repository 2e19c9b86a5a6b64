package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Tyrowin/nexus-chat-server/internal/chat"
)

// WebSocketHandler upgrades GET /ws/{user_id} into a push-channel session.
// Unknown users are refused before the upgrade.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
	if err != nil || userID <= 0 {
		s.writeError(w, fmt.Errorf("%w: user_id must be a positive integer", chat.ErrInvalidRequest))
		return
	}

	exists, err := s.store.UserExists(r.Context(), userID)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", chat.ErrPersistence, err))
		return
	}
	if !exists {
		s.writeError(w, fmt.Errorf("%w: %d", chat.ErrUnknownUser, userID))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Int64("user_id", userID), slog.Any("error", err))
		return
	}

	client := NewClient(conn, s.hub, userID, r.RemoteAddr, s.cfg, s.frames)
	greeting, err := chat.Encode(chat.ConnectionEstablished{
		Type:      chat.EventConnectionEstablished,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	})
	if err == nil {
		client.prime(greeting)
	}

	s.hub.Register(client)
	if err := s.hub.Serve(client); err != nil {
		s.hub.Unregister(client)
		client.closeConnection()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Nexus chat server is running! sessions=%d", s.hub.SessionCount())
}

// OnlineHandler lists the users that currently hold a live session.
func (s *Server) OnlineHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]int64{"online": s.hub.ListOnline()})
}

// SendMessageHandler is the REST twin of the "message" push frame. The body
// names the sender explicitly and carries the text in "message" or "text".
func (s *Server) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	msg, err := s.svc.Dispatch(r.Context(), req.dispatch())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newMessageResponse(msg))
}

// ListMessagesHandler returns one conversation, oldest first. The query names
// the requesting user and either a peer or a group.
func (s *Server) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	userID, err := queryID(q.Get("user_id"), "user_id")
	if err != nil || userID == nil {
		if err == nil {
			err = fmt.Errorf("%w: user_id is required", chat.ErrInvalidRequest)
		}
		s.writeError(w, err)
		return
	}
	peerID, err := queryID(q.Get("peer_id"), "peer_id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	groupID, err := queryID(q.Get("group_id"), "group_id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", chat.ErrInvalidRequest))
			return
		}
	}

	msgs, err := s.svc.History(r.Context(), chat.HistoryQuery{
		UserID:  *userID,
		PeerID:  peerID,
		GroupID: groupID,
		Limit:   limit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]messageResponse, 0, len(msgs))
	for i := range msgs {
		out = append(out, newMessageResponse(&msgs[i]))
	}
	writeJSON(w, http.StatusOK, map[string][]messageResponse{"messages": out})
}

// MarkReadHandler marks a message read on behalf of the user in the body.
func (s *Server) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	messageID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: message id must be an integer", chat.ErrInvalidRequest))
		return
	}

	var req markReadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.UserID <= 0 {
		s.writeError(w, fmt.Errorf("%w: user_id is required", chat.ErrInvalidRequest))
		return
	}

	if err := s.svc.MarkRead(r.Context(), messageID, req.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", chat.ErrInvalidRequest, err)
	}
	return nil
}

func queryID(raw, field string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be an integer", chat.ErrInvalidRequest, field)
	}
	return &id, nil
}

// statusFor maps chat errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrMalformedTarget), errors.Is(err, chat.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrUnknownUser),
		errors.Is(err, chat.ErrUnknownGroup),
		errors.Is(err, chat.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrNotFriends), errors.Is(err, chat.ErrNotAMember):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", slog.Any("error", err))
		message = chat.ErrPersistence.Error()
	}
	writeJSON(w, status, errorResponse{Error: chat.Code(err), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
