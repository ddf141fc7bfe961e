package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"starling/internal/dispatcher"
	"starling/internal/domain"
	"starling/internal/events"
	"starling/internal/store/sqlite"
)

// Dispatcher runs one inbound message through the pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg domain.Message) (dispatcher.Reply, error)
}

// Tracker exposes the live execution tree.
type Tracker interface {
	Executions() []domain.ExecutionNode
	Tree(executionID string) []domain.ExecutionNode
	Cancel(executionID string) bool
}

// RoleStore is the role/assignment administration surface.
type RoleStore interface {
	UpsertRole(ctx context.Context, role domain.SpecialRole) error
	GetRole(ctx context.Context, name string) (domain.SpecialRole, error)
	ListRoles(ctx context.Context) ([]domain.SpecialRole, error)
	DeleteRole(ctx context.Context, name string) error
	AssignRole(ctx context.Context, channelType, userID, roleName string) (domain.SpecialRoleAssignment, error)
	UnassignRole(ctx context.Context, channelType, userID, roleName string) error
}

type Server struct {
	dispatcher Dispatcher
	tracker    Tracker
	roles      RoleStore
	bus        *events.Bus
	logger     *log.Logger
}

func NewServer(d Dispatcher, tracker Tracker, roles RoleStore, bus *events.Bus, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		dispatcher: d,
		tracker:    tracker,
		roles:      roles,
		bus:        bus,
		logger:     logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/messages", s.handleMessage)
		r.Get("/executions", s.handleListExecutions)
		r.Get("/executions/{id}", s.handleGetExecution)
		r.Post("/executions/{id}/cancel", s.handleCancelExecution)
		r.Get("/events", s.handleEvents)

		r.Get("/roles", s.handleListRoles)
		r.Post("/roles", s.handleUpsertRole)
		r.Get("/roles/{name}", s.handleGetRole)
		r.Delete("/roles/{name}", s.handleDeleteRole)
		r.Post("/roles/{name}/assignments", s.handleAssignRole)
		r.Delete("/roles/{name}/assignments", s.handleUnassignRole)
	})
	return r
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg domain.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode message: %w", err))
		return
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	if r.URL.Query().Get("wait") == "1" {
		reply, err := s.dispatcher.Dispatch(r.Context(), msg)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, dispatcher.ErrInvalidMessage) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, reply)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := s.dispatcher.Dispatch(ctx, msg); err != nil {
			s.logger.Printf("api: async dispatch: %v", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Executions())
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tree := s.tracker.Tree(id)
	if len(tree) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("execution %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.tracker.Cancel(id) {
		writeError(w, http.StatusConflict, fmt.Errorf("execution %s is not cancellable", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	ch, cancel := s.bus.Subscribe(r.URL.Query().Get("execution_id"))
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Printf("api: marshal event: %v", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.roles.ListRoles(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (s *Server) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := s.roles.GetRole(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, roleStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (s *Server) handleUpsertRole(w http.ResponseWriter, r *http.Request) {
	var role domain.SpecialRole
	if err := json.NewDecoder(r.Body).Decode(&role); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode role: %w", err))
		return
	}
	if strings.TrimSpace(role.Name) == "" {
		writeError(w, http.StatusBadRequest, errors.New("role name is required"))
		return
	}
	if err := s.roles.UpsertRole(r.Context(), role); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := s.roles.DeleteRole(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, roleStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChannelType string `json:"channel_type"`
		UserID      string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode assignment: %w", err))
		return
	}
	if req.ChannelType == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, errors.New("channel_type and user_id are required"))
		return
	}
	assignment, err := s.roles.AssignRole(r.Context(), req.ChannelType, req.UserID, chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, roleStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}

func (s *Server) handleUnassignRole(w http.ResponseWriter, r *http.Request) {
	channelType := r.URL.Query().Get("channel_type")
	userID := r.URL.Query().Get("user_id")
	if channelType == "" || userID == "" {
		writeError(w, http.StatusBadRequest, errors.New("channel_type and user_id are required"))
		return
	}
	if err := s.roles.UnassignRole(r.Context(), channelType, userID, chi.URLParam(r, "name")); err != nil {
		writeError(w, roleStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func roleStatus(err error) int {
	if errors.Is(err, sqlite.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
