package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/export"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/search"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/voting"
)

// UserHeader carries the caller identity set by the upstream gateway.
const UserHeader = "X-User-ID"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
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
		return
	}

	userID := strings.TrimSpace(r.Header.Get(UserHeader))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing "+UserHeader+" header", nil)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case parts[1] == "search" && len(parts) == 2 && r.Method == http.MethodGet:
		s.handleSearch(w, r, userID)
	case parts[1] == "retros" && len(parts) == 2 && r.Method == http.MethodPost:
		var body ScheduleInput
		if !decodeOrFail(w, r, &body) {
			return
		}
		view, err := s.service.ScheduleRetrospective(r.Context(), userID, body)
		s.respond(w, http.StatusCreated, view, err)
	case parts[1] == "retros" && len(parts) >= 3:
		s.handleRetro(w, r, userID, parts[2], parts[3:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleRetro(w http.ResponseWriter, r *http.Request, userID, sessionID string, parts []string) {
	ctx := r.Context()
	route := r.Method + " " + strings.Join(parts, "/")
	if len(parts) == 2 && (parts[0] == "themes" || parts[0] == "topics") {
		route = r.Method + " " + parts[0] + "/:id"
	}

	switch route {
	case "GET ":
		view, err := s.service.GetSession(ctx, userID, sessionID)
		s.respond(w, http.StatusOK, view, err)

	case "POST start":
		session, err := s.service.Start(ctx, userID, sessionID)
		s.respond(w, http.StatusOK, session, err)

	case "POST advance":
		var body struct {
			Expected string `json:"expected"`
			Force    bool   `json:"force"`
		}
		if !decodeOrFail(w, r, &body) {
			return
		}
		expected, ok := optionalPhase(w, body.Expected)
		if !ok {
			return
		}
		session, err := s.service.Advance(ctx, userID, sessionID, expected, body.Force)
		s.respond(w, http.StatusOK, session, err)

	case "POST cancel":
		var body struct {
			Expected string `json:"expected"`
		}
		if !decodeOrFail(w, r, &body) {
			return
		}
		expected, ok := optionalPhase(w, body.Expected)
		if !ok {
			return
		}
		session, err := s.service.Cancel(ctx, userID, sessionID, expected)
		s.respond(w, http.StatusOK, session, err)

	case "POST reset":
		var body struct {
			Phase string `json:"phase"`
		}
		if !decodeOrFail(w, r, &body) {
			return
		}
		target, err := store.ParsePhase(body.Phase)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), map[string]any{"field": "phase"})
			return
		}
		session, err := s.service.ResetTo(ctx, userID, sessionID, target)
		s.respond(w, http.StatusOK, session, err)

	case "GET responses":
		responses, err := s.service.ListResponses(ctx, userID, sessionID)
		s.respond(w, http.StatusOK, map[string]any{"responses": responses}, err)

	case "POST responses":
		var body struct {
			Category string `json:"category"`
			Text     string `json:"text"`
		}
		if !decodeOrFail(w, r, &body) {
			return
		}
		response, err := s.service.SubmitResponse(ctx, userID, sessionID, body.Category, body.Text)
		s.respond(w, http.StatusCreated, response, err)

	case "POST input-complete":
		body := struct {
			Completed *bool `json:"completed"`
		}{}
		if !decodeOrFail(w, r, &body) {
			return
		}
		completed := body.Completed == nil || *body.Completed
		participant, err := s.service.MarkInputComplete(ctx, userID, sessionID, completed)
		s.respond(w, http.StatusOK, participant, err)

	case "GET themes":
		groups, err := s.service.ListThemes(ctx, userID, sessionID)
		s.respond(w, http.StatusOK, map[string]any{"themes": groups}, err)

	case "POST themes":
		var body ThemeInput
		if !decodeOrFail(w, r, &body) {
			return
		}
		group, err := s.service.CreateTheme(ctx, userID, sessionID, body)
		s.respond(w, http.StatusCreated, group, err)

	case "PUT themes/:id":
		themeID, ok := pathID(w, parts[1])
		if !ok {
			return
		}
		var body ThemeInput
		if !decodeOrFail(w, r, &body) {
			return
		}
		group, err := s.service.UpdateTheme(ctx, userID, sessionID, themeID, body)
		s.respond(w, http.StatusOK, group, err)

	case "DELETE themes/:id":
		themeID, ok := pathID(w, parts[1])
		if !ok {
			return
		}
		err := s.service.DeleteTheme(ctx, userID, sessionID, themeID)
		s.respond(w, http.StatusOK, map[string]any{"deleted": themeID}, err)

	case "GET ballot":
		ballot, err := s.service.Ballot(ctx, userID, sessionID)
		s.respond(w, http.StatusOK, ballot, err)

	case "POST votes":
		var body struct {
			Allocations []voting.Allocation `json:"allocations"`
		}
		if !decodeOrFail(w, r, &body) {
			return
		}
		ballot, err := s.service.Vote(ctx, userID, sessionID, body.Allocations)
		s.respond(w, http.StatusOK, ballot, err)

	case "POST ballot/finalize":
		ballot, err := s.service.FinalizeBallot(ctx, userID, sessionID)
		s.respond(w, http.StatusOK, ballot, err)

	case "POST voting/close":
		votingSession, err := s.service.CloseVoting(ctx, userID, sessionID)
		s.respond(w, http.StatusOK, votingSession, err)

	case "GET tallies":
		tallies, err := s.service.Tallies(ctx, userID, sessionID)
		s.respond(w, http.StatusOK, map[string]any{"tallies": tallyList(tallies)}, err)

	case "GET topics":
		topics, err := s.service.ListTopics(ctx, userID, sessionID)
		s.respond(w, http.StatusOK, map[string]any{"topics": topics}, err)

	case "POST topics/:id":
		topicID, ok := pathID(w, parts[1])
		if !ok {
			return
		}
		var body TopicInput
		if !decodeOrFail(w, r, &body) {
			return
		}
		topic, err := s.service.MarkTopic(ctx, userID, sessionID, topicID, body)
		s.respond(w, http.StatusOK, topic, err)

	case "GET summary":
		summary, err := s.service.Summary(ctx, userID, sessionID)
		s.respond(w, http.StatusOK, summary, err)

	case "GET export":
		format, err := export.ParseFormat(r.URL.Query().Get("format"))
		if err != nil {
			s.fail(w, err)
			return
		}
		result, err := s.service.ExportSummary(ctx, userID, sessionID, format)
		if err != nil {
			s.fail(w, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)

	case "GET reminders":
		reminders, err := s.service.ListReminders(ctx, userID, sessionID)
		s.respond(w, http.StatusOK, map[string]any{"reminders": reminders}, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, userID string) {
	values := r.URL.Query()
	kind, ok := search.ParseResultType(values.Get("type"))
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown result type", map[string]any{"field": "type"})
		return
	}
	limit, _ := strconv.Atoi(values.Get("limit"))
	offset, _ := strconv.Atoi(values.Get("offset"))
	resp, err := s.service.Search(r.Context(), userID, search.Query{
		Text:        values.Get("q"),
		WorkspaceID: values.Get("workspace_id"),
		SessionID:   values.Get("session_id"),
		FilterType:  kind,
		Limit:       limit,
		Offset:      offset,
	})
	s.respond(w, http.StatusOK, resp, err)
}

type tallyRow struct {
	ThemeGroupID int64 `json:"theme_group_id"`
	Votes        int   `json:"votes"`
}

func tallyList(tallies map[int64]int) []tallyRow {
	rows := make([]tallyRow, 0, len(tallies))
	for id, votes := range tallies {
		rows = append(rows, tallyRow{ThemeGroupID: id, Votes: votes})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ThemeGroupID < rows[j].ThemeGroupID })
	return rows
}

func (s *HTTPServer) respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	domainErr := mapError(err)
	if domainErr.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", domainErr.Status, "error", err)
	}
	writeError(w, domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details)
}

func decodeOrFail(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func optionalPhase(w http.ResponseWriter, value string) (store.Phase, bool) {
	if strings.TrimSpace(value) == "" {
		return "", true
	}
	p, err := store.ParsePhase(value)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), map[string]any{"field": "expected"})
		return "", false
	}
	return p, true
}

func pathID(w http.ResponseWriter, value string) (int64, bool) {
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid id "+value, nil)
		return 0, false
	}
	return id, true
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

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
