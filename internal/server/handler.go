package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quantfeed/barsync/internal/bar"
	"github.com/quantfeed/barsync/internal/coverage"
	"github.com/quantfeed/barsync/internal/interval"
	"github.com/quantfeed/barsync/internal/job"
	"github.com/quantfeed/barsync/internal/scheduler"
)

const defaultWindow = 24 * time.Hour

type handler struct {
	services *Services
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) ensureCoverage(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")

	tf := bar.Timeframe(r.URL.Query().Get("timeframe"))
	if tf == "" {
		writeError(w, http.StatusBadRequest, "timeframe query parameter is required")
		return
	}

	window := defaultWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid window, expected a duration like 24h or 168h")
			return
		}
		window = d
	}

	res, err := h.services.Scheduler.EnsureCoverage(r.Context(), symbol, tf, window)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if res.Status == scheduler.StatusGapsDetected {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

type coverageResponse struct {
	Coverage *coverage.Status `json:"coverage"`
	Gaps     []interval.Range `json:"gaps"`
}

func (h *handler) getCoverage(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))

	tf := bar.Timeframe(r.URL.Query().Get("timeframe"))
	if !tf.Valid() {
		writeError(w, http.StatusBadRequest, "valid timeframe query parameter is required")
		return
	}

	// Default the gap window to the registered definition's, then 24h.
	window := defaultWindow
	if def, err := h.services.Jobs.FindDefinition(r.Context(), symbol, tf); err == nil && def != nil {
		window = def.DesiredWindow
	}
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid window, expected a duration like 24h or 168h")
			return
		}
		window = d
	}

	status, err := h.services.Tracker.Current(r.Context(), symbol, tf)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	now := time.Now().UTC().Truncate(time.Second)
	gaps, err := h.services.Tracker.FindGaps(r.Context(), symbol, tf, now.Add(-window), now)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, coverageResponse{Coverage: status, Gaps: gaps})
}

// rebuildCoverage is the repair path for a coverage view that no longer
// matches the run history: it discards the stored intervals and reconstructs
// them from successful runs.
func (h *handler) rebuildCoverage(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))

	tf := bar.Timeframe(r.URL.Query().Get("timeframe"))
	if !tf.Valid() {
		writeError(w, http.StatusBadRequest, "valid timeframe query parameter is required")
		return
	}

	status, err := h.services.Tracker.Rebuild(r.Context(), symbol, tf)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handler) observeProgress(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	tf := bar.Timeframe(r.URL.Query().Get("timeframe"))

	since := time.Now().UTC().Add(-defaultWindow)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since, expected RFC3339")
			return
		}
		since = t
	}

	report, err := h.services.Observer.Observe(r.Context(), symbol, tf, since)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	req := job.ListRunsRequest{
		Symbol:    strings.ToUpper(r.URL.Query().Get("symbol")),
		Timeframe: bar.Timeframe(r.URL.Query().Get("timeframe")),
	}

	runs, err := h.services.Jobs.ListRuns(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handler) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := h.services.Jobs.GetRun(r.Context(), job.GetRunRequest{ID: id})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := h.services.Jobs.CancelRun(r.Context(), job.CancelRunRequest{ID: id})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handler) listDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.services.Jobs.ListDefinitions(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func (h *handler) enableDefinition(w http.ResponseWriter, r *http.Request) {
	h.setDefinitionEnabled(w, r, true)
}

func (h *handler) disableDefinition(w http.ResponseWriter, r *http.Request) {
	h.setDefinitionEnabled(w, r, false)
}

func (h *handler) setDefinitionEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid definition id")
		return
	}

	def, err := h.services.Jobs.SetDefinitionEnabled(r.Context(), id, enabled)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if enabled {
		// A re-enabled definition should not wait for the next timer tick.
		h.services.Scheduler.Notify()
	}
	writeJSON(w, http.StatusOK, def)
}

func (h *handler) listProviders(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.services.Providers.Statuses(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}
