package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"herfa/api/internal/auth"
	"herfa/api/internal/authpw"
	"herfa/api/internal/search"
	"herfa/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(corsOrigin),
		},
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/api/auth/signup", s.handleSignUp).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/signin", s.handleSignIn).Methods(http.MethodPost)
	r.HandleFunc("/api/session", s.handleSessionInfo).Methods(http.MethodGet)
	r.HandleFunc("/api/session/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/api/session/logout", s.authed(s.handleLogout)).Methods(http.MethodPost)

	r.HandleFunc("/api/jobs", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs", s.authed(s.handleCreateJob)).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs/{jobID}", s.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{jobID}/applications", s.authed(s.handleJobApplications)).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{jobID}/applications", s.authed(s.handleApply)).Methods(http.MethodPost)
	r.HandleFunc("/api/applications/{applicationID}/accept", s.authed(s.handleAccept)).Methods(http.MethodPost)
	r.HandleFunc("/api/me/jobs", s.authed(s.handleMyJobs)).Methods(http.MethodGet)
	r.HandleFunc("/api/me/applications", s.authed(s.handleMyApplications)).Methods(http.MethodGet)

	r.HandleFunc("/api/profiles/{userID}", s.handleGetProfile).Methods(http.MethodGet)
	r.HandleFunc("/api/profile", s.authed(s.handleUpdateProfile)).Methods(http.MethodPut)
	r.HandleFunc("/api/profile/avatar", s.authed(s.handleUploadAvatar)).Methods(http.MethodPost)
	r.HandleFunc("/api/professionals", s.handleSearchProfessionals).Methods(http.MethodGet)

	r.HandleFunc("/api/jobs/{jobID}/chat", s.authed(s.handleChatThread)).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{jobID}/messages", s.authed(s.handleSendMessage)).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs/{jobID}/chat/ws", s.handleChatSocket).Methods(http.MethodGet)

	return s.withMiddleware(r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		FullName    string `json:"full_name"`
		Role        string `json:"role"`
		City        string `json:"city"`
		Category    string `json:"category"`
		PhoneNumber string `json:"phone_number"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		FullName:    body.FullName,
		Role:        body.Role,
		City:        body.City,
		Category:    body.Category,
		PhoneNumber: body.PhoneNumber,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(session))
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user_id": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user_id": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user_id":       session.UserID,
		"full_name":     session.FullName,
		"role":          session.Role,
		"expires_at":    session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.Logout(r.Context(), session, body.RefreshToken); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	jobs, err := s.service.ListJobs(r.Context(), store.JobFilter{
		City:     strings.TrimSpace(query.Get("city")),
		Category: strings.TrimSpace(query.Get("category")),
		Limit:    queryInt(r, "limit"),
		Offset:   queryInt(r, "offset"),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *HTTPServer) handleCreateJob(w http.ResponseWriter, r *http.Request, session Session) {
	var input JobInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	job, err := s.service.CreateJob(r.Context(), session, input)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *HTTPServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.GetJob(r.Context(), mux.Vars(r)["jobID"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *HTTPServer) handleMyJobs(w http.ResponseWriter, r *http.Request, session Session) {
	jobs, err := s.service.MyJobs(r.Context(), session)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *HTTPServer) handleJobApplications(w http.ResponseWriter, r *http.Request, session Session) {
	items, err := s.service.JobApplications(r.Context(), session, mux.Vars(r)["jobID"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleApply(w http.ResponseWriter, r *http.Request, session Session) {
	var input ApplicationInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	application, err := s.service.Apply(r.Context(), session, mux.Vars(r)["jobID"], input)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, application)
}

func (s *HTTPServer) handleAccept(w http.ResponseWriter, r *http.Request, session Session) {
	application, err := s.service.AcceptApplication(r.Context(), session, mux.Vars(r)["applicationID"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, application)
}

func (s *HTTPServer) handleMyApplications(w http.ResponseWriter, r *http.Request, session Session) {
	items, err := s.service.MyApplications(r.Context(), session)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.service.GetProfile(r.Context(), mux.Vars(r)["userID"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *HTTPServer) handleUpdateProfile(w http.ResponseWriter, r *http.Request, session Session) {
	var input ProfileInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	profile, err := s.service.UpdateProfile(r.Context(), session, input)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// Multipart overhead allowed on top of the avatar itself.
const multipartSlack = 1 << 20

func (s *HTTPServer) handleUploadAvatar(w http.ResponseWriter, r *http.Request, session Session) {
	if !s.service.AvatarsEnabled() {
		writeError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Avatar storage is not configured", nil)
		return
	}
	maxBytes := s.service.AvatarMaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartSlack)
	if err := r.ParseMultipartForm(maxBytes + multipartSlack); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusUnprocessableEntity, "IMAGE_TOO_LARGE", "avatar is too large", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "expected multipart form with an avatar file", nil)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("avatar")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "avatar file is required", nil)
		return
	}
	defer file.Close()

	result, err := s.service.UploadAvatar(r.Context(), session, file, header.Size)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleSearchProfessionals(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	response := s.service.SearchProfessionals(r.Context(), search.Query{
		Text:     strings.TrimSpace(query.Get("q")),
		City:     strings.TrimSpace(query.Get("city")),
		Category: strings.TrimSpace(query.Get("category")),
		Limit:    queryInt(r, "limit"),
		Offset:   queryInt(r, "offset"),
	})
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleChatThread(w http.ResponseWriter, r *http.Request, session Session) {
	thread, err := s.service.ChatThread(r.Context(), session, mux.Vars(r)["jobID"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	message, err := s.service.SendMessage(r.Context(), session, mux.Vars(r)["jobID"], body.Text)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, message)
}

type sessionHandler func(http.ResponseWriter, *http.Request, Session)

func (s *HTTPServer) authed(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		next(w, r, session)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, authpw.ErrBanned) {
			status, code, message, _ := mapError(err)
			writeError(w, status, code, message, nil)
			return Session{}, false
		}
		s.logger.Error("session lookup failed", slog.String("request_id", requestID(r.Context())), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("request_id", requestID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("err", err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		defer func() {
			if recovered := recover(); recovered != nil {
				s.logger.Error("panic", slog.String("request_id", id), slog.Any("err", recovered))
				writeError(writer, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
			}
			s.logger.Info("request",
				slog.String("request_id", id),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", writer.status),
				slog.Int64("duration_ms", time.Since(started).Milliseconds()),
			)
		}()

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(writer, r)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func checkOrigin(corsOrigin string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return corsOrigin == "*" || origin == "" || origin == corsOrigin
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryInt(r *http.Request, key string) int {
	value, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return value
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"access_token":  session.Token,
		"refresh_token": session.RefreshToken,
		"user_id":       session.UserID,
		"full_name":     session.FullName,
		"role":          session.Role,
		"expires_at":    session.ExpiresAt.Unix(),
	}
}
