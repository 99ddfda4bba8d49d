package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loanops/api/internal/auth"
	"loanops/api/internal/broadcast"
	"loanops/api/internal/rbac"
	"loanops/api/internal/session"
	"loanops/api/internal/workflow"
)

const maxUploadBytes = 32 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	limiter    *rateLimiter
	metrics    http.Handler
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		limiter:    newRateLimiter(service.cfg.RateLimitPerMinute, service.cfg.RateLimitBurst, service.metrics),
	}
}

// EnableMetrics serves gatherer on /metrics.
func (s *HTTPServer) EnableMetrics(gatherer prometheus.Gatherer) {
	s.metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.limiter.middleware(http.HandlerFunc(s.handle)))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{}
		for name, err := range s.service.Ping(ctx) {
			if err != nil {
				status = "not_ready"
				statusCode = http.StatusServiceUnavailable
				checks[name] = map[string]any{"status": "error", "error": err.Error()}
				continue
			}
			checks[name] = map[string]any{"status": "ok"}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		var body struct {
			EmployeeID string `json:"employeeId"`
			Password   string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.EmployeeID, body.Password)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeData(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		current := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				current = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), current, body.RefreshToken)
		writeData(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeData(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		current, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeData(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeData(w, http.StatusOK, map[string]any{
			"authenticated":    true,
			"userName":         current.UserName,
			"userId":           current.UserID,
			"role":             current.Role,
			"assignedBranches": nonNilStrings(current.Branches),
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/password" {
		var body struct {
			CurrentPassword string `json:"currentPassword"`
			NewPassword     string `json:"newPassword"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ChangePassword(r.Context(), session, body.CurrentPassword, body.NewPassword); err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/query-actions" {
		var input ActionInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.ApplyAction(r.Context(), session, input)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, result)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/dashboard/stats" {
		stats, err := s.service.Stats(r.Context(), session)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, stats)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		limit, err := intParam(query.Get("limit"), 20)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		offset, err := intParam(query.Get("offset"), 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		payload, err := s.service.Search(r.Context(), session, query.Get("q"), limit, offset)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/reports/queries" {
		s.handleReport(w, r, session)
		return
	}

	if r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/api/clear-") {
		target := strings.TrimPrefix(r.URL.Path, "/api/clear-")
		confirm, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
		removed, err := s.service.Clear(r.Context(), session, target, confirm)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"removed": removed})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" {
		switch parts[1] {
		case "queries":
			s.handleQueries(w, r, session, parts[2:])
			return
		case "users":
			s.handleUsers(w, r, session, parts[2:])
			return
		case "branches":
			s.handleBranches(w, r, session, parts[2:])
			return
		case "applications", "sanctioned":
			s.handleApplications(w, r, session, parts[1], parts[2:])
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleQueries(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()
	query := r.URL.Query()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			includePending, _ := strconv.ParseBool(query.Get("includePending"))
			limit, err := intParam(query.Get("limit"), 0)
			if err != nil {
				writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			records, err := s.service.ListQueries(ctx, session, ListInput{
				Status:         query.Get("status"),
				IncludePending: includePending,
				AppNo:          query.Get("appNo"),
				Limit:          limit,
			})
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusOK, records)
		case http.MethodPost:
			var input CreateQueryInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			record, err := s.service.CreateQuery(ctx, session, input)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusCreated, record)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 1 {
		switch parts[0] {
		case "resolved":
			if r.Method != http.MethodGet {
				break
			}
			includePending, _ := strconv.ParseBool(query.Get("includePending"))
			records, err := s.service.ResolvedQueries(ctx, session, includePending)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusOK, records)
			return
		case "updates":
			if r.Method != http.MethodGet {
				break
			}
			since, err := parseRFC3339(strings.TrimSpace(query.Get("since")))
			if err != nil {
				writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "since must be an RFC3339 timestamp", nil)
				return
			}
			result, err := s.service.Updates(ctx, session, since)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusOK, result)
			return
		case "events":
			if r.Method != http.MethodGet {
				break
			}
			if !s.service.Can(session.Role, rbac.ActionRead) {
				s.fail(w, r, forbidden(string(rbac.ActionRead)))
				return
			}
			s.stream(w, r, streamFilter(session))
			return
		case workflow.TeamSales, workflow.TeamCredit:
			s.handleTeamQueries(w, r, session, parts[0])
			return
		}
	}

	queryID := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		record, err := s.service.GetQuery(ctx, session, queryID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, record)
		return

	case len(parts) == 2 && parts[1] == "remarks":
		s.handleRemarks(w, r, session, queryID)
		return

	case len(parts) == 2 && parts[1] == "chat":
		switch r.Method {
		case http.MethodGet:
			messages, err := s.service.Messages(ctx, session, queryID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusOK, messages)
		case http.MethodPost:
			var input MessageInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			message, err := s.service.PostMessage(ctx, session, queryID, input)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusCreated, message)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return

	case len(parts) == 3 && parts[1] == "chat" && parts[2] == "events" && r.Method == http.MethodGet:
		record, err := s.service.GetQuery(ctx, session, queryID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.stream(w, r, broadcast.Filter{QueryID: record.ID})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleTeamQueries serves /api/queries/{sales|credit}: list, share with the
// team, act on behalf of the team, and unshare.
func (s *HTTPServer) handleTeamQueries(w http.ResponseWriter, r *http.Request, session Session, team string) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		includePending, _ := strconv.ParseBool(r.URL.Query().Get("includePending"))
		records, err := s.service.ListQueries(ctx, session, ListInput{
			Team:           team,
			Status:         r.URL.Query().Get("status"),
			IncludePending: includePending,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, records)

	case http.MethodPost, http.MethodDelete:
		var body struct {
			QueryID string `json:"queryId"`
		}
		if r.Method == http.MethodPost || r.ContentLength > 0 {
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
		}
		queryID := firstNonBlank(body.QueryID, r.URL.Query().Get("queryId"))
		var (
			record any
			err    error
		)
		if r.Method == http.MethodPost {
			record, err = s.service.Share(ctx, session, queryID, team)
		} else {
			record, err = s.service.Unshare(ctx, session, queryID, team)
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, record)

	case http.MethodPatch:
		var input ActionInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		input.Team = team
		result, err := s.service.ApplyAction(ctx, session, input)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, result)

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleRemarks(w http.ResponseWriter, r *http.Request, session Session, queryID string) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		remarks, err := s.service.ListRemarks(ctx, session, queryID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, remarks)

	case http.MethodPost:
		var input RemarkInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.AddRemark(ctx, session, queryID, input)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusCreated, result)

	case http.MethodPut:
		var body struct {
			RemarkID string `json:"remarkId"`
			Text     string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.EditRemark(ctx, session, queryID, body.RemarkID, body.Text)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, result)

	case http.MethodDelete:
		remarks, err := s.service.DeleteRemark(ctx, session, queryID, r.URL.Query().Get("remarkId"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"remarks": remarks})

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

// stream holds the request open as an SSE connection until the client leaves.
func (s *HTTPServer) stream(w http.ResponseWriter, r *http.Request, filter broadcast.Filter) {
	if err := broadcast.Serve(w, r, s.service.Registry(), filter); err != nil {
		logger.Debugf("event stream %s ended: %v", r.URL.Path, err)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" && strings.HasSuffix(r.URL.Path, "/events") {
		// EventSource cannot set headers.
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	current, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		status, code, message, details := mapError(err)
		if status == http.StatusNotFound {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		if status == http.StatusInternalServerError {
			logger.Errorf("session lookup: %v", err)
			message = "Session lookup failed"
		}
		writeError(w, status, code, message, details)
		return Session{}, false
	}
	return current, true
}

// fail maps err onto a response. Unexpected errors keep their message
// outside production.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		logger.Errorf("%s %s [%s]: %v", r.Method, r.URL.Path, requestID(r.Context()), err)
		if !s.service.cfg.IsProduction() {
			message = err.Error()
		}
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		logger.Infof(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
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

// Flush lets event streams push frames through the recorder.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"success": false,
		"code":    code,
		"error":   message,
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// parseRFC3339 accepts both whole-second and fractional timestamps, as sent
// by JavaScript's Date.toISOString().
func parseRFC3339(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, value)
	}
	return t, err
}

func intParam(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func sessionPayload(current Session) map[string]any {
	return map[string]any{
		"token":            current.Token,
		"refreshToken":     current.RefreshToken,
		"userId":           current.UserID,
		"userName":         current.UserName,
		"role":             current.Role,
		"assignedBranches": nonNilStrings(current.Branches),
		"expiresAt":        current.ExpiresAt.Unix(),
	}
}

func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		users, err := s.service.ListUsers(ctx, session)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, users)

	case len(parts) == 0 && r.Method == http.MethodPost:
		var input CreateUserInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.CreateUser(ctx, session, input)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusCreated, user)

	case len(parts) == 1 && (r.Method == http.MethodPatch || r.Method == http.MethodPut):
		var input UpdateUserInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.UpdateUser(ctx, session, parts[0], input)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, user)

	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteUser(ctx, session, parts[0]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"deleted": parts[0]})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleBranches(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
		branches, err := s.service.ListBranches(ctx, session, activeOnly)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, branches)

	case len(parts) == 0 && r.Method == http.MethodPost:
		var input BranchInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		branch, err := s.service.CreateBranch(ctx, session, input)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusCreated, branch)

	case len(parts) == 1 && (r.Method == http.MethodPatch || r.Method == http.MethodPut):
		var input UpdateBranchInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		branch, err := s.service.UpdateBranch(ctx, session, parts[0], input)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, branch)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleApplications serves /api/applications and /api/sanctioned.
func (s *HTTPServer) handleApplications(w http.ResponseWriter, r *http.Request, session Session, root string, parts []string) {
	ctx := r.Context()
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		applications, err := s.service.ListApplications(ctx, session, root == "sanctioned")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, applications)

	case root == "applications" && len(parts) == 1 && parts[0] == "upload" && r.Method == http.MethodPost:
		body, closeBody, err := uploadBody(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", err.Error(), nil)
			return
		}
		defer closeBody()
		result, err := s.service.ImportApplications(ctx, session, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, result)

	case root == "sanctioned" && len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteSanctioned(ctx, session, parts[0]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"deleted": parts[0]})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// uploadBody returns the "file" part of a multipart upload, or the raw body
// for any other content type.
func uploadBody(w http.ResponseWriter, r *http.Request) (io.Reader, func(), error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return r.Body, func() { _ = r.Body.Close() }, nil
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, nil, fmt.Errorf("invalid multipart upload")
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, nil, fmt.Errorf("file field is required")
	}
	return file, func() { _ = file.Close() }, nil
}

func (s *HTTPServer) handleReport(w http.ResponseWriter, r *http.Request, session Session) {
	includePending, _ := strconv.ParseBool(r.URL.Query().Get("includePending"))
	result, err := s.service.Report(r.Context(), session, ReportInput{
		Format:         r.URL.Query().Get("format"),
		IncludePending: includePending,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if result.URL != "" {
		writeData(w, http.StatusOK, map[string]any{"url": result.URL, "filename": result.Filename})
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}
