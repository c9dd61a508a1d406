package dashboard

import (
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"hostpanel/history"
	"hostpanel/process"
	"hostpanel/runner"
)

// startRunRequest is the body of POST /api/runs.
type startRunRequest struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Meta    runner.Metadata   `json:"meta,omitempty"`
}

// runResponse reports the outcome of a run. Success means the command
// launched and exited 0.
type runResponse struct {
	Success  bool   `json:"success"`
	RunID    string `json:"run_id,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) spec(req startRunRequest) process.Spec {
	spec := s.opts.Exec
	spec.Command = req.Command
	spec.Args = req.Args
	if req.Dir != "" {
		spec.Dir = req.Dir
	}
	if len(req.Env) > 0 {
		env := maps.Clone(spec.Env)
		if env == nil {
			env = make(map[string]string, len(req.Env))
		}
		maps.Copy(env, req.Env)
		spec.Env = env
	}
	return spec
}

// handleStartRun runs a command. By default it answers once the command
// finishes; with ?async=1 it answers 202 with the run id right away and the
// output is followed through the stream endpoints.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, runResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeJSON(w, http.StatusBadRequest, runResponse{Error: "command is required"})
		return
	}

	run, err := s.opts.Runner.Run(s.spec(req), req.Meta, nil)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, runResponse{RunID: run.ID(), Error: err.Error()})
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		writeJSON(w, http.StatusAccepted, runResponse{Success: true, RunID: run.ID()})
		return
	}

	// The run keeps going if the client gives up waiting.
	c, err := run.Wait(r.Context())
	if err != nil {
		s.log.Debug("client stopped waiting for run", zap.String("run_id", run.ID()), zap.Error(err))
		return
	}
	writeJSON(w, http.StatusOK, completionResponse(c))
}

func completionResponse(c runner.Completion) runResponse {
	resp := runResponse{Success: c.Success(), RunID: c.RunID}
	if c.Err != nil {
		resp.Error = c.Err.Error()
		return resp
	}
	code := c.ExitCode
	resp.ExitCode = &code
	return resp
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeJSON(w, http.StatusOK, s.opts.Runner.List())
		return
	}

	filter := history.Filter{
		ExitedSince: s.opts.ExitedSince,
	}

	// Parse exited_since_secs query param
	if secs := r.URL.Query().Get("exited_since_secs"); secs != "" {
		if n, err := strconv.Atoi(secs); err == nil {
			filter.ExitedSince = time.Duration(n) * time.Second
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filter.Limit = n
		}
	}

	// Parse meta.* query params
	for key, values := range r.URL.Query() {
		if name, ok := strings.CutPrefix(key, "meta."); ok && len(values) > 0 {
			if filter.Meta == nil {
				filter.Meta = make(map[string]string)
			}
			filter.Meta[name] = values[0]
		}
	}

	views, err := s.opts.History.List(filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleLiveRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Runner.List())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if run, ok := s.opts.Runner.Get(id); ok {
		writeJSON(w, http.StatusOK, run.Info())
		return
	}
	if s.opts.History == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	view, err := s.opts.History.Get(id)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		http.Error(w, "run history is disabled", http.StatusNotFound)
		return
	}
	logs, err := s.opts.History.Logs(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(logs))
}

// handleKillRun terminates a run and answers with its completion once the
// process is gone, or 202 if it outlives the request.
func (s *Server) handleKillRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, ok := s.opts.Runner.Get(id)
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err := run.Terminate(); err != nil {
		s.log.Warn("terminating run", zap.String("run_id", id), zap.Error(err))
	}

	c, err := run.Wait(r.Context())
	if err != nil {
		writeJSON(w, http.StatusAccepted, runResponse{RunID: id})
		return
	}
	writeJSON(w, http.StatusOK, completionResponse(c))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Sessions.All())
}

func statusFor(err error) int {
	if errors.Is(err, history.ErrUnknownRun) || errors.Is(err, runner.ErrUnknownRun) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
