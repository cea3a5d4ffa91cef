package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"ledgerbridge/internal/models"
	"ledgerbridge/internal/orchestrator"
)

func (s *HTTPServer) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady fails while any provider binding is unhealthy.
func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	for _, h := range s.svc.HealthCheck(r.Context()) {
		if !h.Healthy {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "binding": h.Binding.String()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	results := s.svc.HealthCheck(r.Context())
	healthy := true
	for _, h := range results {
		healthy = healthy && h.Healthy
	}
	writeJSON(w, http.StatusOK, map[string]any{"healthy": healthy, "providers": results})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.JobStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type startExportRequest struct {
	Provider string `json:"provider"`
	TenantID string `json:"tenant_id"`
	models.ExportRequest
}

func (s *HTTPServer) handleStartExport(w http.ResponseWriter, r *http.Request) {
	var body startExportRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Provider == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}

	job, err := s.svc.StartExport(r.Context(), orchestrator.Target{Provider: body.Provider, TenantID: body.TenantID}, body.ExportRequest)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.ExportStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *HTTPServer) handleCancelExport(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.CancelExport(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDownload redirects to a signed URL when the sink offers one and
// streams the artifact otherwise.
func (s *HTTPServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	dl, err := s.svc.DownloadExport(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	defer dl.Body.Close()

	if dl.URL != "" {
		http.Redirect(w, r, dl.URL, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+dl.Name+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, dl.Body); err != nil {
		s.log.Warn().Err(err).Str("export_id", dl.Job.ID).Msg("Download interrupted")
	}
}

func (s *HTTPServer) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.Capabilities(r.PathValue("name"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleBatchSync queues a list job per entity type. Types come from the
// "types" query parameter, comma separated.
func (s *HTTPServer) handleBatchSync(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw := splitCSV(q.Get("types"))
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "types is required")
		return
	}
	types := make([]models.EntityType, 0, len(raw))
	for _, t := range raw {
		types = append(types, models.EntityType(t))
	}

	var opts models.SyncOptions
	if v := q.Get("modified_since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid modified_since; expected RFC3339")
			return
		}
		opts.ModifiedSince = &since
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid page_size")
			return
		}
		opts.PageSize = n
	}

	tgt := orchestrator.Target{Provider: r.PathValue("name"), TenantID: q.Get("tenant_id")}
	jobs, err := s.svc.BatchSync(r.Context(), tgt, types, opts)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": jobs})
}
