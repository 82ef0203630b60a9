package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/chatrelay/internal/config"
	"github.com/ent0n29/chatrelay/internal/ingest"
	"github.com/ent0n29/chatrelay/internal/observability"
	"github.com/ent0n29/chatrelay/internal/realtime"
	"github.com/ent0n29/chatrelay/internal/relay"
	"github.com/ent0n29/chatrelay/internal/store"
)

// Orchestrator relays one user turn and reports the assistant reply.
type Orchestrator interface {
	Respond(ctx context.Context, sessionID, message, imageBase64 string) (relay.Reply, error)
}

var allowedExtensions = map[string]bool{
	".pdf":  true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".txt":  true,
}

type Server struct {
	cfg          config.Config
	sessions     *store.Facade
	orchestrator Orchestrator
	hub          *realtime.Hub
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, sessions *store.Facade, orchestrator Orchestrator, hub *realtime.Hub, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		hub:          hub,
		metrics:      metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from
				// the same origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(corsMiddleware)
		r.Post("/chat", s.handleChat)
		r.Post("/upload", s.handleUpload)
		r.Get("/history/{session_id}", s.handleHistory)
		r.Get("/sessions", s.handleListSessions)
		r.Delete("/delete-session/{session_id}", s.handleDeleteSession)
		r.Get("/health", s.handleHealth)
		r.Get("/stream", s.handleStream)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	ImageData string `json:"image_data"`
}

type chatResponse struct {
	Response     string `json:"response"`
	SessionID    string `json:"session_id"`
	MessageCount int    `json:"message_count"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "No message provided")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "No message provided")
		return
	}

	reply, err := s.orchestrator.Respond(r.Context(), req.SessionID, req.Message, req.ImageData)
	if err != nil {
		var upstream *relay.UpstreamError
		switch {
		case errors.Is(err, relay.ErrNotConfigured):
			respondError(w, http.StatusServiceUnavailable, "relay_unconfigured",
				"AI service is currently unavailable. Please check your API configuration.")
		case errors.As(err, &upstream):
			respondError(w, http.StatusInternalServerError, "relay_error", "AI service error")
		default:
			respondError(w, http.StatusInternalServerError, "internal_error",
				"An error occurred while processing your request")
		}
		return
	}

	respondJSON(w, http.StatusOK, chatResponse{
		Response:     reply.Response,
		SessionID:    reply.SessionID,
		MessageCount: reply.MessageCount,
	})
}

type uploadResponse struct {
	Success   bool    `json:"success"`
	Filename  string  `json:"filename"`
	SessionID string  `json:"session_id"`
	Message   string  `json:"message"`
	ImageData string  `json:"image_data,omitempty"`
	ImageSize *[2]int `json:"image_size,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_upload", "File too large or malformed upload")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_upload", "No file provided")
		return
	}
	defer file.Close()

	filename := header.Filename
	if strings.TrimSpace(filename) == "" {
		respondError(w, http.StatusBadRequest, "invalid_upload", "No file selected")
		return
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		respondError(w, http.StatusBadRequest, "invalid_upload", "File type not allowed")
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error",
			"An error occurred while uploading the file")
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		respondError(w, http.StatusBadRequest, "invalid_upload", "File too large")
		return
	}

	sessionID := s.sessions.EnsureSession(r.Context(), strings.TrimSpace(r.FormValue("session_id")))

	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif":
		res, ok := ingest.ProcessImage(filename, data)
		if !ok {
			// Decode failures degrade to an upload without extracted
			// content; the request still succeeds.
			s.metrics.Uploads.WithLabelValues("image", "unreadable").Inc()
			respondJSON(w, http.StatusOK, uploadResponse{
				Success:   true,
				Filename:  filename,
				SessionID: sessionID,
				Message:   "File \"" + filename + "\" uploaded and processed successfully",
			})
			return
		}
		_ = s.sessions.AppendMessage(r.Context(), sessionID, store.RoleSystem, res.SystemMessage)
		s.metrics.Uploads.WithLabelValues("image", "ok").Inc()
		size := [2]int{res.Size, res.Size}
		respondJSON(w, http.StatusOK, uploadResponse{
			Success:   true,
			Filename:  filename,
			SessionID: sessionID,
			Message:   "Image \"" + filename + "\" uploaded and processed successfully",
			ImageData: res.Base64,
			ImageSize: &size,
		})
	default:
		msg, ok := ingest.ProcessDocument(filename, data)
		if ok {
			_ = s.sessions.AppendMessage(r.Context(), sessionID, store.RoleSystem, msg)
			s.metrics.Uploads.WithLabelValues("document", "ok").Inc()
		} else {
			s.metrics.Uploads.WithLabelValues("document", "unreadable").Inc()
		}
		respondJSON(w, http.StatusOK, uploadResponse{
			Success:   true,
			Filename:  filename,
			SessionID: sessionID,
			Message:   "File \"" + filename + "\" uploaded and processed successfully",
		})
	}
}

type historyResponse struct {
	Messages  []store.Message `json:"messages"`
	CreatedAt *time.Time      `json:"created_at"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if !validSessionID(sessionID) {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "Invalid session ID")
		return
	}

	msgs, err := s.sessions.Messages(r.Context(), sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error",
			"An error occurred while retrieving chat history")
		return
	}

	resp := historyResponse{Messages: msgs}
	if resp.Messages == nil {
		resp.Messages = []store.Message{}
	}
	if len(msgs) > 0 {
		resp.CreatedAt = &msgs[0].Timestamp
	}
	respondJSON(w, http.StatusOK, resp)
}

type sessionsResponse struct {
	Sessions []store.SessionSummary `json:"sessions"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.sessions.RecentSessions(r.Context(), 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error",
			"An error occurred while retrieving sessions")
		return
	}
	if summaries == nil {
		summaries = []store.SessionSummary{}
	}
	respondJSON(w, http.StatusOK, sessionsResponse{Sessions: summaries})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if !validSessionID(sessionID) {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "Invalid session ID")
		return
	}

	if err := s.sessions.DeleteSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", "Session not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error",
			"An error occurred while deleting the session")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Session deleted successfully",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.metrics.FallbackSessions.Set(float64(s.sessions.FallbackSessionCount()))
	respondJSON(w, http.StatusOK, map[string]any{
		"status":                "healthy",
		"timestamp":             time.Now().UTC(),
		"database":              s.sessions.CheckDatabase(r.Context()),
		"fallback_sessions":     s.sessions.FallbackSessionCount(),
		"openrouter_configured": strings.TrimSpace(s.cfg.OpenRouterAPIKey) != "",
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if !validSessionID(sessionID) {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "query parameter session_id is required")
		return
	}
	if s.hub == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "history stream not configured")
		return
	}
	realtime.ServeWS(s.hub, s.upgrader, w, r, sessionID)
}

func validSessionID(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && id != "undefined"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
