package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/MrWong99/verbatim/internal/observe"
	"github.com/MrWong99/verbatim/pkg/types"
)

// handleHistory serves GET /api/history?limit=N.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	items, err := s.learner.History(r.Context(), limit)
	if err != nil {
		s.storeError(w, r, "history", err)
		return
	}
	if items == nil {
		items = []types.HistoryItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleStats serves GET /api/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.learner.Stats(r.Context())
	if err != nil {
		s.storeError(w, r, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleExport serves GET /api/export as a downloadable JSON document.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	doc, err := s.learner.Export(r.Context())
	if err != nil {
		s.storeError(w, r, "export", err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="verbatim-export.json"`)
	writeJSON(w, http.StatusOK, doc)
}

// handleRules serves GET /api/rules?tone=T&min_usage=N. Without min_usage
// every rule is listed, including those not yet active. An empty tone lists
// all tones.
func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	tone := types.ToneMode(r.URL.Query().Get("tone"))
	if tone != "" && !tone.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown tone "+strconv.Quote(string(tone)))
		return
	}

	var (
		rules []types.LearnedRule
		err   error
	)
	if r.URL.Query().Has("min_usage") {
		minUsage, ok := intParam(w, r, "min_usage")
		if !ok {
			return
		}
		rules, err = s.learner.ActiveRules(r.Context(), tone, minUsage)
	} else {
		rules, err = s.learner.Rules(r.Context(), tone)
	}
	if err != nil {
		s.storeError(w, r, "rules", err)
		return
	}
	if rules == nil {
		rules = []types.LearnedRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// intParam parses an optional non-negative integer query parameter. A
// missing parameter yields 0. On a bad value it writes 400 and returns false.
func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.metrics.RecordStoreError(r.Context(), op)
	observe.Logger(r.Context()).Error("admin request failed", "op", op, "err", err)
	writeError(w, http.StatusInternalServerError, "learning store unavailable")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
