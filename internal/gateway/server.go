package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskbid/chatsync/internal/auth"
	"github.com/taskbid/chatsync/internal/gate"
	"github.com/taskbid/chatsync/internal/model"
)

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	Addr string
	// InternalToken guards the job-service endpoints. Empty disables
	// them.
	InternalToken string
	Session       SessionConfig
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		Session:      DefaultSessionConfig(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}

// Server is the gateway's HTTP surface.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	hub    *Hub
	dir    *Directory
	store  Store
	signer *auth.Signer

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer assembles the HTTP surface.
func NewServer(cfg ServerConfig, hub *Hub, dir *Directory, store Store, signer *auth.Signer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		hub:    hub,
		dir:    dir,
		store:  store,
		signer: signer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from the marketplace origin; the
			// reference deployment fronts this with a proxy that checks it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/rooms", s.handleRoomList)
	mux.HandleFunc("GET /api/rooms/{id}/messages", s.handleHistory)
	mux.HandleFunc("POST /api/rooms/resolve", s.handleResolve)
	mux.HandleFunc("POST /internal/jobs/{id}/status", s.handleJobStatus)

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Start begins serving. Non-blocking; errors surface on errCh.
func (s *Server) Start(errCh chan<- error) {
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// authenticate extracts and verifies the caller's token.
func (s *Server) authenticate(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h := r.Header.Get("Authorization")
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token == "" {
		return "", auth.ErrInvalidToken
	}
	return s.signer.Verify(token)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWS authenticates and upgrades one session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	sess := NewSession(s.cfg.Session, s.hub, conn, userID, s.logger)
	go sess.Run()
}

func (s *Server) handleRoomList(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	rooms := s.dir.VisibleTo(userID)
	counts := s.hub.CountsFor(userID)
	for i := range rooms {
		rooms[i].UnreadCount = counts[rooms[i].ID]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rooms":         rooms,
		"unread_counts": counts,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	roomID := r.PathValue("id")
	room, ok := s.dir.Get(roomID)
	if !ok || !gate.Allowed(room, userID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var beforeID int64
	if v := r.URL.Query().Get("before"); v != "" {
		beforeID, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "bad cursor", http.StatusBadRequest)
			return
		}
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	page, hasMore, err := s.store.History(r.Context(), roomID, beforeID, limit)
	if err != nil {
		s.logger.Error("history query failed", "room", roomID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": page,
		"has_more": hasMore,
	})
}

// resolveRequest mirrors the client's room resolution payload.
type resolveRequest struct {
	JobID    string `json:"job_id"`
	BidderID string `json:"bidder_id"`
	UserID   string `json:"user_id"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var room model.Room
	switch {
	case req.UserID != "":
		if req.UserID == userID {
			http.Error(w, "cannot open a room with yourself", http.StatusBadRequest)
			return
		}
		room = s.dir.ResolveDirect(userID, req.UserID)

	case req.JobID != "" && req.BidderID != "":
		// Job rooms are opened by the job owner; bidders find theirs in
		// the room list once it exists.
		if req.BidderID == userID {
			http.Error(w, "bidders join via the room list", http.StatusForbidden)
			return
		}
		room = s.dir.ResolveJobRoom(model.JobRef{
			JobID:    req.JobID,
			Status:   model.JobStatusBidding,
			ClientID: userID,
		}, req.BidderID)

	default:
		http.Error(w, "job_id+bidder_id or user_id required", http.StatusBadRequest)
		return
	}

	if !gate.Allowed(room, userID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// jobStatusRequest is the job-service transition payload.
type jobStatusRequest struct {
	Status           model.JobStatus `json:"status"`
	AcceptedBidderID string          `json:"accepted_bidder_id"`
}

// handleJobStatus applies a job lifecycle transition from the job
// service collaborator.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.InternalToken == "" ||
		r.Header.Get("X-Internal-Token") != s.cfg.InternalToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req jobStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.hub.UpdateJobStatus(r.PathValue("id"), req.Status, req.AcceptedBidderID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "applied"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
