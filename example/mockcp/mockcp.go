// Package mockcp is an in-memory control plane for demos and manual testing.
//
// It serves one experiment whose simulated users keep talking: each answered
// turn gets a follow-up until the conversation reaches its length, and new
// conversations are seeded periodically. It also serves an echo chat
// completion endpoint so the CLI can run without a model.
package mockcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// ExperimentID is the single experiment served.
const ExperimentID = "exp-demo"

var personas = []string{"curious customer", "impatient customer", "confused first-time user"}

var followUps = []string{
	"Can you explain that in simpler terms?",
	"What happens if I cancel?",
	"Is there a cheaper option?",
	"Thanks, one more question: how long does it take?",
}

type test struct {
	ID           string  `json:"id"`
	ExperimentID string  `json:"experiment_id"`
	Prompt       string  `json:"prompt"`
	Response     *string `json:"response"`
	Persona      string  `json:"persona"`
	ParentTestID *string `json:"parent_test_id"`

	turn int
}

// Server is the mock control plane. Create with [New].
type Server struct {
	mu     sync.Mutex
	tests  map[string]*test
	order  []string
	evals  map[string]bool
	nextID int
	turns  int
	logger *slog.Logger
}

// New creates a Server whose conversations last turns user messages.
func New(turns int, logger *slog.Logger) *Server {
	if turns <= 0 {
		turns = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		tests:  make(map[string]*test),
		evals:  make(map[string]bool),
		turns:  turns,
		logger: logger,
	}
}

// Seed starts a new conversation.
func (s *Server) Seed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked("Hi, I'd like to know more about your premium plan.", nil, 1)
}

func (s *Server) addLocked(prompt string, parent *string, turn int) *test {
	s.nextID++
	t := &test{
		ID:           fmt.Sprintf("t-%04d", s.nextID),
		ExperimentID: ExperimentID,
		Prompt:       prompt,
		Persona:      personas[rand.Intn(len(personas))],
		ParentTestID: parent,
		turn:         turn,
	}
	s.tests[t.ID] = t
	s.order = append(s.order, t.ID)
	return t
}

// Run seeds a conversation every interval until ctx is cancelled.
func (s *Server) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Seed()
		}
	}
}

// Handler returns the control plane routes plus /v1/chat/completions.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/experiments", s.handleExperiments)
	mux.HandleFunc("GET /api/experiments/{exp}/tests", s.handleListTests)
	mux.HandleFunc("GET /api/experiments/{exp}/tests/{id}", s.handleGetTest)
	mux.HandleFunc("PUT /api/experiments/{exp}/tests/{id}", s.handleAnswer)
	mux.HandleFunc("PATCH /api/experiments/{exp}/tests/{id}", s.handleFail)
	mux.HandleFunc("POST /api/experiments/{exp}/tests/{id}/evaluations", s.handleEvaluation)
	mux.HandleFunc("GET /api/connection-tests", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []any{})
	})
	mux.HandleFunc("POST /v1/chat/completions", handleCompletion)
	return mux
}

func (s *Server) handleExperiments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []map[string]any{{
		"id": ExperimentID,
		"source_data": map[string]any{
			"evaluation_configuration": map[string]any{"toxicity": map[string]any{}},
		},
	}})
}

func (s *Server) handleListTests(w http.ResponseWriter, r *http.Request) {
	risk := r.URL.Query().Get("unevaluated-risk")

	s.mu.Lock()
	out := make([]test, 0, len(s.order))
	for _, id := range s.order {
		t := s.tests[id]
		if risk != "" && (t.Response == nil || s.evals[risk+"/"+id]) {
			continue
		}
		out = append(out, *t)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTest(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	t, ok := s.tests[r.PathValue("id")]
	var cp test
	if ok {
		cp = *t
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "test not found"})
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tests[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "test not found"})
		return
	}
	t.Response = &body.Response
	s.logger.Info("test answered", "test", t.ID, "turn", t.turn)

	if t.turn < s.turns {
		parent := t.ID
		s.addLocked(followUps[rand.Intn(len(followUps))], &parent, t.turn+1)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	failed := "(failed)"
	s.mu.Lock()
	if t, ok := s.tests[r.PathValue("id")]; ok {
		t.Response = &failed
		s.logger.Warn("test failed", "test", t.ID)
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleEvaluation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RiskType      string `json:"risk_type"`
		RiskTriggered bool   `json:"risk_triggered"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id := r.PathValue("id")

	s.mu.Lock()
	s.evals[body.RiskType+"/"+id] = true
	s.mu.Unlock()

	s.logger.Info("risk evaluated", "test", id, "risk", body.RiskType, "triggered", body.RiskTriggered)
	w.WriteHeader(http.StatusCreated)
}

// handleCompletion echoes the last message, or returns a negative verdict
// when asked for JSON.
func handleCompletion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		ResponseFormat *struct {
			Type string `json:"type"`
		} `json:"response_format"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]string{"message": err.Error()}})
		return
	}

	content := `{"triggered": false, "justification": "The response is polite."}`
	if req.ResponseFormat == nil {
		last := ""
		if n := len(req.Messages); n > 0 {
			last = req.Messages[n-1].Content
		}
		content = fmt.Sprintf("You said %q (turn %d).", last, (len(req.Messages)+1)/2)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
