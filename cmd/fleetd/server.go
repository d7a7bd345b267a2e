package main

import (
	"encoding/json"
	"net/http"

	"code.cloudfoundry.org/lager/v3"
	"github.com/podfleet/fleet/internal/podmanager"
)

// server is the HTTP front door onto a PodManager: one endpoint to
// enqueue a prompt and block for its result, one to read an operational
// snapshot.
type server struct {
	logger  lager.Logger
	manager *podmanager.Manager
	mux     *http.ServeMux
}

func newServer(logger lager.Logger, manager *podmanager.Manager) *server {
	s := &server{logger: logger.Session("http"), manager: manager, mux: http.NewServeMux()}
	s.mux.HandleFunc("/v1/prompts", s.handleEnqueue)
	s.mux.HandleFunc("/v1/snapshot", s.handleSnapshot)
	return s
}

func (s *server) ListenAndServe(addr string) error {
	s.logger.Info("listening", lager.Data{"addr": addr})
	return http.ListenAndServe(addr, s.mux)
}

type enqueueRequest struct {
	URL        string `json:"url"`
	WorkflowID int    `json:"workflow_id"`
}

// handleEnqueue accepts one prompt, blocks until it is processed or times
// out, and responds with either the rendered content or a caller-facing
// error message.
func (s *server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	result := s.manager.Enqueue(r.Context(), req.URL, req.WorkflowID)

	if result.IsError() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": result.Error.Message})
		return
	}

	w.Header().Set("Content-Type", result.Success.MediaType)
	w.Write(result.Success.Content)
}

type snapshotResponse struct {
	PodsByState   map[string]int `json:"pods_by_state"`
	QueuedPrompts int            `json:"queued_prompts"`
	ActivePrompts int            `json:"processing_prompts"`
	DonePrompts   int            `json:"completed_prompts"`
}

// handleSnapshot reports pod and prompt counts for operational visibility.
func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	pods, prompts := s.manager.Snapshot()

	byState := make(map[string]int, len(pods))
	for state, count := range pods {
		byState[state.String()] = count
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshotResponse{
		PodsByState:   byState,
		QueuedPrompts: prompts.Queued,
		ActivePrompts: prompts.Processing,
		DonePrompts:   prompts.Completed,
	})
}
