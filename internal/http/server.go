package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edward179/ecommerce-ETL-pipeline/internal/log"
	"github.com/edward179/ecommerce-ETL-pipeline/internal/scheduler"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/models"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/service"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/storage"
	"github.com/pkg/errors"
)

const shutdownTimeout = 10 * time.Second

// NewMux wires every endpoint of the ordermonitor API.
func NewMux(svc *service.WorkflowService) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/workflow", WorkflowHandler(svc))
	mux.HandleFunc("/runs", RunsHandler(svc))
	mux.HandleFunc("/runs/", RunByIDHandler(svc))
	return mux
}

// StartServer serves the API until ctx is cancelled.
func StartServer(ctx context.Context, port string, svc *service.WorkflowService) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           NewMux(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting ordermonitor server on :%s", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server stopped")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shut down http server")
	}
	return nil
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ordermonitor server is running")
}

type workflowResponse struct {
	models.Workflow
	Order   []string  `json:"order"`
	NextRun time.Time `json:"next_run"`
}

// WorkflowHandler describes the loaded declaration and when it fires next.
func WorkflowHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wf := svc.Workflow()
		next, err := scheduler.NextTick(wf, time.Now())
		if err != nil {
			log.GetLogger().Errorf("Failed to compute next run of '%s': %v", wf.ID, err)
			writeError(w, fmt.Sprintf("Failed to compute next run: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, workflowResponse{Workflow: wf, Order: svc.Order(), NextRun: next})
	}
}

func RunsHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			listRunsHTTP(w, r, svc)
		case http.MethodPost:
			triggerRunHTTP(w, r, svc)
		default:
			writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func RunByIDHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/runs/"), "/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, "Invalid run ID", http.StatusBadRequest)
			return
		}
		run, err := svc.GetRun(id)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, fmt.Sprintf("Run %s not found", id), http.StatusNotFound)
			return
		}
		if err != nil {
			log.GetLogger().Errorf("Failed to get run %s: %v", id, err)
			writeError(w, fmt.Sprintf("Failed to get run: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func listRunsHTTP(w http.ResponseWriter, r *http.Request, svc *service.WorkflowService) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, fmt.Sprintf("Invalid 'limit' parameter: %s", raw), http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := svc.ListRuns(limit)
	if err != nil {
		log.GetLogger().Errorf("Failed to list runs: %v", err)
		writeError(w, fmt.Sprintf("Failed to list runs: %v", err), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type triggerRequest struct {
	LogicalDate *time.Time `json:"logical_date"`
}

// triggerRunHTTP starts a manual run and answers once it has finished. The run is detached
// from the request so a client hanging up does not kill the task commands.
func triggerRunHTTP(w http.ResponseWriter, r *http.Request, svc *service.WorkflowService) {
	var req triggerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.GetLogger().Errorf("Invalid body in POST /runs: %v", err)
			writeError(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
	}
	logicalDate := time.Now().UTC()
	if req.LogicalDate != nil {
		logicalDate = *req.LogicalDate
	}

	run, err := svc.TriggerRun(context.WithoutCancel(r.Context()), logicalDate, models.ManualRunTrigger)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, run)
	case errors.Is(err, service.ErrRunFailed):
		writeJSON(w, http.StatusInternalServerError, run)
	default:
		log.GetLogger().Errorf("Failed to trigger run: %v", err)
		writeError(w, fmt.Sprintf("Failed to trigger run: %v", err), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
