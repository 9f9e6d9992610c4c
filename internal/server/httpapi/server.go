// Package httpapi exposes the collaboration engine over HTTP and WebSocket.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arx-os/bim-collab/internal/collab"
	"github.com/arx-os/bim-collab/internal/convert"
	"github.com/arx-os/bim-collab/internal/errs"
	"github.com/arx-os/bim-collab/internal/limiter"
	"github.com/arx-os/bim-collab/internal/model"
	"github.com/arx-os/bim-collab/internal/repository"
)

// Server routes collaboration requests to the engine.
type Server struct {
	engine  *collab.Engine
	lim     limiter.Limiter
	archive repository.VersionRepository
	rdb     *redis.Client
	log     *zap.Logger
	signKey []byte
}

// NewServer builds a Server. archive and rdb may be nil, disabling the
// version archive endpoint and the WebSocket event stream respectively.
func NewServer(engine *collab.Engine, lim limiter.Limiter, archive repository.VersionRepository, rdb *redis.Client, log *zap.Logger, signKey []byte) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{engine: engine, lim: lim, archive: archive, rdb: rdb, log: log, signKey: signKey}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recovery, s.logging)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.auth)
	api.HandleFunc("/sessions", s.createSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/join", s.joinSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/leave", s.leaveSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/status", s.sessionStatus).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/changes", s.makeChange).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/changes", s.getChanges).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/conflicts", s.getConflicts).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/conflicts/{cid}/resolve", s.resolveConflict).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/versions", s.createVersion).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/versions", s.getVersions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/versions/archive", s.archivedVersions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/branch", s.createBranch).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/merge", s.mergeBranch).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/export", s.exportSession).Methods(http.MethodGet)

	ws := r.PathPrefix("/ws").Subrouter()
	ws.Use(s.auth)
	ws.HandleFunc("/sessions/{id}", s.sessionEvents).Methods(http.MethodGet)

	return r
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			raw = strings.TrimPrefix(h, "Bearer ")
		} else {
			// WebSocket clients cannot set headers, so accept a query token.
			raw = r.URL.Query().Get("token")
		}
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		id, err := parseToken(raw, s.signKey)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocketUpgrade(r) {
			// Hijacked connections cannot go through the status wrapper.
			next.ServeHTTP(w, r)
			return
		}
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("panic in handler", zap.Any("panic", p), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromCtx(r.Context())
	var req struct {
		ModelID string `json:"model_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "model_id is required")
		return
	}
	sid := s.engine.CreateSession(req.ModelID, id.UserID, id.Username, id.Email)
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sid.String()})
}

func (s *Server) joinSession(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromCtx(r.Context())
	sid, err := sessionID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.engine.JoinSession(sid, id.UserID, id.Username, id.Email, model.Role(req.Role)); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) leaveSession(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromCtx(r.Context())
	sid, err := sessionID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.engine.LeaveSession(sid, id.UserID); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	sid, err := sessionID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	st, err := s.engine.GetSessionStatus(sid)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToStatusDTO(st))
}

func (s *Server) makeChange(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromCtx(r.Context())
	sid, err := sessionID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	var req struct {
		ChangeType  string         `json:"change_type"`
		ElementID   string         `json:"element_id"`
		ElementType string         `json:"element_type"`
		NewValue    map[string]any `json:"new_value"`
		OldValue    map[string]any `json:"old_value"`
		Description string         `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	ok, err := s.lim.Allow(r.Context(), id.UserID, model.ChangeType(req.ChangeType))
	if err != nil {
		s.respondError(w, err)
		return
	}
	if !ok {
		s.respondError(w, errs.ErrRateLimited)
		return
	}
	cid, err := s.engine.MakeChange(sid, id.UserID, collab.ChangeRequest{
		ChangeType:  model.ChangeType(req.ChangeType),
		ElementID:   req.ElementID,
		ElementType: req.ElementType,
		NewValue:    req.NewValue,
		OldValue:    req.OldValue,
		Description: req.Description,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"change_id": cid.String()})
}

func (s *Server) getChanges(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromCtx(r.Context())
	sid, err := sessionID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
	}
	changes, err := s.engine.GetChanges(sid, id.UserID, since)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToChangeDTOs(changes))
}

func (s *Server) getConflicts(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromCtx(r.Context())
	sid, err := sessionID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	conflicts, err := s.engine.GetConflicts(sid, id.UserID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToConflictDTOs(conflicts))
}

func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromCtx(r.Context())
	sid, err := sessionID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	cid, err := uuid.FromString(mux.Vars(r)["cid"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed conflict id")
		return
	}
	var req struct {
		Strategy string `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.engine.ResolveConflict(sid, cid, model.Resolution(req.Strategy), id.UserID); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createVersion(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromCtx(r.Context())
	sid, err := sessionID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	var req struct {
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	vid, err := s.engine.CreateVersion(sid, id.UserID, req.Description)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"version_id": vid.String()})
}

func (s *Server) getVersions(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromCtx(r.Context())
	sid, err := sessionID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	versions, err := s.engine.GetVersions(sid, id.UserID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToVersionDTOs(versions))
}

// archivedVersions serves durably archived version metadata. Unlike getVersions
// it survives process restarts, but only folds that reached the archive.
func (s *Server) archivedVersions(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromCtx(r.Context())
	sid, err := sessionID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.engine.AuthorizeRead(sid, id.UserID); err != nil {
		s.respondError(w, err)
		return
	}
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "version archive disabled")
		return
	}
	versions, err := s.archive.ListVersions(r.Context(), sid)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToVersionDTOs(versions))
}

func (s *Server) createBranch(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromCtx(r.Context())
	sid, err := sessionID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	bid, err := s.engine.CreateBranch(sid, id.UserID, req.Name, req.Description)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": bid.String()})
}

func (s *Server) mergeBranch(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromCtx(r.Context())
	sid, err := sessionID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	var req struct {
		SourceID string `json:"source_id"`
		Strategy string `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	srcID, err := uuid.FromString(req.SourceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed source_id")
		return
	}
	if err := s.engine.MergeBranch(sid, srcID, id.UserID, model.Resolution(req.Strategy)); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) exportSession(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromCtx(r.Context())
	sid, err := sessionID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	ex, err := s.engine.ExportSession(sid, id.UserID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToExportDTO(ex))
}

func sessionID(r *http.Request) (uuid.UUID, error) {
	sid, err := uuid.FromString(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, errs.ErrValidation
	}
	return sid, nil
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrSessionNotFound),
		errors.Is(err, errs.ErrUserNotInSession),
		errors.Is(err, errs.ErrConflictNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errs.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, errs.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, errs.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
