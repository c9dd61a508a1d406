package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"hostpanel/broadcast"
	"hostpanel/process"
	"hostpanel/runner"
)

// actionOutputEvent is the SSE event name carrying run output.
const actionOutputEvent = "site:action-output"

// actionOutput flattens a run event into the browser wire shape: the run's
// metadata at the top level plus run_id, type ("stdout", "stderr" or "close")
// and either chunk or code.
func actionOutput(e runner.Event) map[string]any {
	m := make(map[string]any, len(e.Meta)+3)
	for k, v := range e.Meta {
		m[k] = v
	}
	m["run_id"] = e.RunID
	if e.Channel == process.ChannelExit {
		m["type"] = "close"
		if e.ExitCode != nil {
			m["code"] = *e.ExitCode
		}
		return m
	}
	m["type"] = string(e.Channel)
	m["chunk"] = e.Data
	return m
}

func startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleStreamRun streams one run's output as it happens, ending after the
// close event. A run that already finished gets a single close event from
// its history record.
func (s *Server) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sub, err := s.opts.Runner.Subscribe(id, s.opts.Buffer)
	if err != nil {
		s.replayFinished(w, id)
		return
	}
	defer sub.Unsubscribe()

	flusher, ok := startSSE(w)
	if !ok {
		return
	}
	s.pumpSSE(w, r, flusher, sub)
}

func (s *Server) replayFinished(w http.ResponseWriter, id string) {
	if s.opts.History == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	view, err := s.opts.History.Get(id)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	flusher, ok := startSSE(w)
	if !ok {
		return
	}
	code := -1
	if view.ExitCode != nil {
		code = *view.ExitCode
	}
	e := runner.Event{RunID: id, Meta: view.Meta, Channel: process.ChannelExit, ExitCode: &code}
	_ = sendSSEEvent(w, flusher, actionOutputEvent, actionOutput(e))
}

// handleEvents streams every run's output to the dashboard.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sub := s.opts.Runner.SubscribeAll(s.opts.Buffer)
	defer sub.Unsubscribe()

	flusher, ok := startSSE(w)
	if !ok {
		return
	}

	// Send initial connection event
	fmt.Fprintf(w, "event: connected\ndata: ok\n\n")
	flusher.Flush()

	s.pumpSSE(w, r, flusher, sub)
}

// pumpSSE relays sub to the client until the subscription ends or the
// client goes away.
func (s *Server) pumpSSE(w http.ResponseWriter, r *http.Request, flusher http.Flusher, sub *broadcast.Subscription[runner.Event]) {
	ctx := r.Context()

	// Send keepalive comment periodically to prevent connection timeouts
	keepalive := time.NewTicker(s.opts.Keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case e, ok := <-sub.C():
			if !ok {
				if errors.Is(sub.Err(), broadcast.ErrSlowConsumer) {
					s.log.Warn("event stream fell behind, closing", zap.String("remote", r.RemoteAddr))
					fmt.Fprintf(w, "event: error\ndata: %q\n\n", "stream fell behind")
					flusher.Flush()
				}
				return
			}
			if err := sendSSEEvent(w, flusher, actionOutputEvent, actionOutput(e)); err != nil {
				return
			}
		}
	}
}
