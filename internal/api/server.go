package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/libcrowds/analyst/internal/analysis"
	"github.com/libcrowds/analyst/internal/db"
	"github.com/libcrowds/analyst/internal/httputil"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	db    *db.DB
	queue *analysis.Queue
}

func NewServer(database *db.DB, queue *analysis.Queue) *Server {
	return &Server{
		db:    database,
		queue: queue,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/api/analyse/", s.handleAnalyseTask)
	mux.HandleFunc("/api/project/", s.handleProject)
	mux.HandleFunc("/api/task/", s.handleTask)
	return mux
}

// webhookPayload is the completion event posted by the task server.
type webhookPayload struct {
	Event     string `json:"event"`
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid webhook payload: %v", err))
		return
	}

	if payload.Event != "task_completed" {
		// Unknown events are acknowledged so the sender does not retry them.
		httputil.WriteJSONOK(w, map[string]string{"status": "ignored"})
		return
	}
	if payload.TaskID == "" {
		httputil.BadRequest(w, "missing task_id")
		return
	}

	if !s.queue.Enqueue(analysis.Job{TaskID: payload.TaskID}) {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "analysis queue is full")
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleAnalyseTask queues a single-task pass: POST /api/analyse/{taskID}.
// The silent query parameter suppresses comment notifications.
func (s *Server) handleAnalyseTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	taskID := strings.TrimPrefix(r.URL.Path, "/api/analyse/")
	if taskID == "" || strings.Contains(taskID, "/") {
		httputil.BadRequest(w, "missing task ID")
		return
	}

	job := analysis.Job{TaskID: taskID, Silent: r.URL.Query().Get("silent") == "1"}
	if !s.queue.Enqueue(job) {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "analysis queue is full")
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "task_id": taskID})
}

// handleProject routes /api/project/{projectID}/{verb}.
func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/project/")
	projectID, verb, found := strings.Cut(rest, "/")
	if !found || projectID == "" {
		httputil.NotFound(w, "not found")
		return
	}

	switch verb {
	case "analyse":
		s.queueProject(w, r, analysis.Job{ProjectID: projectID, Silent: true})
	case "analyse-empty":
		s.queueProject(w, r, analysis.Job{ProjectID: projectID, EmptyOnly: true, Silent: true})
	case "stats":
		s.showProjectStats(w, r, projectID)
	default:
		httputil.NotFound(w, "not found")
	}
}

func (s *Server) queueProject(w http.ResponseWriter, r *http.Request, job analysis.Job) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.queue.Enqueue(job) {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "analysis queue is full")
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "project_id": job.ProjectID})
}

func (s *Server) showProjectStats(w http.ResponseWriter, r *http.Request, projectID string) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	stats, err := s.db.ProjectStats(r.Context(), projectID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve project stats: %v", err))
		return
	}
	httputil.WriteJSONOK(w, stats)
}

// handleTask routes /api/task/{taskID}/{verb}.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/task/")
	taskID, verb, found := strings.Cut(rest, "/")
	if !found || taskID == "" {
		httputil.NotFound(w, "not found")
		return
	}

	switch verb {
	case "result":
		s.showResult(w, r, taskID)
	case "curate":
		s.curateAnnotation(w, r, taskID)
	default:
		httputil.NotFound(w, "not found")
	}
}

func (s *Server) showResult(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	result, err := s.db.Result(r.Context(), taskID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve result: %v", err))
		return
	}
	if result == nil {
		httputil.NotFound(w, fmt.Sprintf("no result for task %q", taskID))
		return
	}
	httputil.WriteJSONOK(w, result)
}

// curateRequest is an operator's hand edit of one describing annotation.
type curateRequest struct {
	AnnotationID string `json:"annotation_id"`
	Value        string `json:"value"`
}

func (s *Server) curateAnnotation(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req curateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid curation payload: %v", err))
		return
	}
	if req.AnnotationID == "" {
		httputil.BadRequest(w, "missing annotation_id")
		return
	}

	modified := time.Now().UTC().Format(time.RFC3339)
	if err := s.db.CurateAnnotation(r.Context(), taskID, req.AnnotationID, req.Value, modified); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to curate annotation: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "curated", "annotation_id": req.AnnotationID})
}
