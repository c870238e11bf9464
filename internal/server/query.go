package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// maxQueryBody bounds the /v1/query request body. Queries are short spoken
// phrases; anything larger is a client bug.
const maxQueryBody = 64 << 10

// queryRequest is the JSON body of POST /v1/query.
type queryRequest struct {
	Query   string         `json:"query"`
	Context map[string]any `json:"context,omitempty"`
}

// handleQuery runs one query through the edge processor and returns the
// result. A declined query still returns 200 — "handled": false tells the
// client to fall back to its backend.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxQueryBody)

	var req queryRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	start := time.Now()
	res := s.proc.ProcessQuery(r.Context(), req.Query, req.Context)
	s.metrics.EdgeQueryDuration.Record(r.Context(), time.Since(start).Seconds())
	s.metrics.RecordEdgeQuery(r.Context(), string(res.Source), metadataString(res.Metadata, "category"))
	if fault, _ := res.Metadata["fault"].(bool); fault {
		s.metrics.RecordEdgeFault(r.Context(), metadataString(res.Metadata, "category"))
	}

	writeJSON(w, http.StatusOK, res)
}

// handleStats returns the processor's counter snapshot.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.proc.GetMetrics()
	writeJSON(w, http.StatusOK, struct {
		TotalQueries        uint64  `json:"total_queries"`
		EdgeHits            uint64  `json:"edge_hits"`
		CacheHits           uint64  `json:"cache_hits"`
		Fallbacks           uint64  `json:"fallbacks"`
		Faults              uint64  `json:"faults"`
		AvgProcessingTimeMs float64 `json:"avg_processing_time_ms"`
		CacheSize           int     `json:"cache_size"`
		RuleCount           int     `json:"rule_count"`
	}{
		TotalQueries:        st.TotalQueries,
		EdgeHits:            st.EdgeHits,
		CacheHits:           st.CacheHits,
		Fallbacks:           st.Fallbacks,
		Faults:              st.Faults,
		AvgProcessingTimeMs: float64(st.AverageProcessingTime.Microseconds()) / 1000,
		CacheSize:           st.CacheSize,
		RuleCount:           st.RuleCount,
	})
}

// writeJSON encodes v with the given status. Falls back to a plain 500 when
// encoding fails.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

// writeError emits a JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: msg})
}

// metadataString extracts a string value from a result metadata map.
func metadataString(md map[string]any, key string) string {
	if md == nil {
		return ""
	}
	s, _ := md[key].(string)
	return s
}
