// Package comfytest provides a scripted in-process ComfyUI server for tests.
package comfytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/amankumarsingh77/comfyui-router/internal/models"
)

// Server answers /prompt, /history/{id}, /queue, /view and /system_stats.
// Configure the exported fields before the first request.
type Server struct {
	*httptest.Server

	// SubmitStatus, when set, is returned by /prompt instead of accepting.
	SubmitStatus int
	// NodeErrors makes /prompt accept but report validation errors.
	NodeErrors bool
	PromptID   string
	// PendingPolls is how many history polls see no entry before the
	// terminal one.
	PendingPolls int
	// Queued keeps the job in queue_pending instead of queue_running.
	Queued bool
	// Final is "success", "error" or empty for a job that never finishes.
	Final        string
	ErrorMessage string
	Outputs      []models.OutputFile
	Files        map[string][]byte
	// Unavailable makes the next N history requests answer 503.
	Unavailable int
	// OnComplete runs once, before the first successful history reply.
	OnComplete func()

	mu           sync.Mutex
	submissions  int
	historyPolls int
	prompts      []map[string]interface{}
	completed    bool
}

func NewServer() *Server {
	s := &Server{PromptID: "prompt-1", Files: map[string][]byte{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", s.handlePrompt)
	mux.HandleFunc("/history/", s.handleHistory)
	mux.HandleFunc("/queue", s.handleQueue)
	mux.HandleFunc("/view", s.handleView)
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"system": map[string]string{"os": "posix"}})
	})
	s.Server = httptest.NewServer(mux)
	return s
}

func (s *Server) Submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submissions
}

func (s *Server) HistoryPolls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyPolls
}

// LastPrompt returns the most recently submitted workflow graph.
func (s *Server) LastPrompt() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.prompts) == 0 {
		return nil
	}
	return s.prompts[len(s.prompts)-1]
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions++

	if s.SubmitStatus != 0 {
		writeJSON(w, s.SubmitStatus, map[string]string{"error": "internal error"})
		return
	}
	var body struct {
		Prompt   map[string]interface{} `json:"prompt"`
		ClientID string                 `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Prompt == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no prompt"})
		return
	}
	s.prompts = append(s.prompts, body.Prompt)

	nodeErrors := map[string]interface{}{}
	if s.NodeErrors {
		nodeErrors["1"] = map[string]interface{}{"errors": []string{"bad input"}}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"prompt_id":   s.PromptID,
		"number":      s.submissions,
		"node_errors": nodeErrors,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/history/")

	s.mu.Lock()
	if s.Unavailable > 0 {
		s.Unavailable--
		s.mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	s.historyPolls++
	done := id == s.PromptID && s.Final != "" && s.historyPolls > s.PendingPolls
	hook := s.OnComplete
	runHook := done && s.Final == "success" && !s.completed
	if runHook {
		s.completed = true
	}
	s.mu.Unlock()

	if !done {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	if runHook && hook != nil {
		hook()
	}

	entry := map[string]interface{}{}
	if s.Final == "error" {
		entry["status"] = map[string]interface{}{
			"status_str": "error",
			"completed":  false,
			"messages": []interface{}{
				[]interface{}{"execution_start", map[string]interface{}{"prompt_id": id}},
				[]interface{}{"execution_error", map[string]interface{}{
					"node_type":         "RIFE VFI",
					"exception_message": s.ErrorMessage,
				}},
			},
		}
		entry["outputs"] = map[string]interface{}{}
	} else {
		entry["status"] = map[string]interface{}{"status_str": "success", "completed": true, "messages": []interface{}{}}
		entry["outputs"] = map[string]interface{}{
			"9": map[string]interface{}{"gifs": s.Outputs},
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{id: entry})
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	running := []interface{}{}
	pending := []interface{}{}
	if s.submissions > 0 && !s.completed {
		item := []interface{}{0, s.PromptID, map[string]interface{}{}, map[string]interface{}{}, []string{}}
		if s.Queued {
			pending = append(pending, item)
		} else {
			running = append(running, item)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"queue_running": running, "queue_pending": pending})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")
	if sub := r.URL.Query().Get("subfolder"); sub != "" {
		name = sub + "/" + name
	}
	s.mu.Lock()
	data, ok := s.Files[name]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
