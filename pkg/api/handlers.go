package api

import (
	"encoding/json"
	"net/http"

	"github.com/odvcencio/chatbridge/pkg/model"
	"github.com/odvcencio/chatbridge/pkg/storage"
	"github.com/odvcencio/chatbridge/pkg/stream"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.asker == nil {
		writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"status": "not ready", "reason": "relay not initialized"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleAsk runs one request to completion and returns the aggregated reply.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req model.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !req.Valid() {
		writeError(w, http.StatusBadRequest, "unsupported model or empty prompt")
		return
	}

	out := stream.New()
	defer out.Close()
	s.asker.Ask(r.Context(), req, out)

	res, err := stream.Collect(r.Context(), out)
	if err != nil {
		// Client went away; nothing left to write.
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleAskStream runs one request and relays its output events as SSE.
func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	var req model.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !req.Valid() {
		writeError(w, http.StatusBadRequest, "unsupported model or empty prompt")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	out := stream.New()
	defer out.Close()
	s.asker.Ask(r.Context(), req, out)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-out.Events():
			data, _ := json.Marshal(ev)
			if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
			if ev.Type == stream.EventDone {
				return
			}
		}
	}
}

// modelInfo is one entry in the models listing.
type modelInfo struct {
	Model        string `json:"model"`
	ContextLimit int    `json:"contextLimit"`
	EntryPoint   string `json:"entryPoint"`
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	tiers := model.Supported()
	out := make([]modelInfo, 0, len(tiers))
	for _, t := range tiers {
		target, _ := model.NavigationTarget(t)
		out = append(out, modelInfo{
			Model:        string(t),
			ContextLimit: model.ContextLimit(t),
			EntryPoint:   target,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

// handleListCredentials returns the redacted pool view joined with ledger
// usage, when a ledger is configured.
func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "credential pool not configured")
		return
	}

	resp := map[string]any{"credentials": s.pool.Snapshots()}
	if s.store != nil {
		usage, err := s.store.UsageSummary(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "ledger read failed: "+err.Error())
			return
		}
		if usage == nil {
			usage = []storage.Usage{}
		}
		resp["usage"] = usage
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListEvictions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not configured")
		return
	}
	evictions, err := s.store.RecentEvictions(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger read failed: "+err.Error())
		return
	}
	if evictions == nil {
		evictions = []storage.Eviction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"evictions": evictions})
}
