package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fileworks-labs/fileworks-go/internal/service/executions"
	"github.com/fileworks-labs/fileworks-go/internal/service/status"
)

type conversionsAPI struct {
	logger         *slog.Logger
	executions     *executions.Service
	status         *status.Service
	uploadMaxBytes int64
}

func newConversionsAPI(logger *slog.Logger, execService *executions.Service, statusService *status.Service, uploadMaxBytes int64) *conversionsAPI {
	if uploadMaxBytes <= 0 {
		uploadMaxBytes = int64(512) << 20 // 512 MiB
	}
	return &conversionsAPI{
		logger:         logger,
		executions:     execService,
		status:         statusService,
		uploadMaxBytes: uploadMaxBytes,
	}
}

func (api *conversionsAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /tools/{tool_name}/executions", api.handleSubmitExecution)
	mux.HandleFunc("GET /executions", api.handleListExecutions)
	mux.HandleFunc("GET /executions/{execution_id}", api.handleGetExecution)
	mux.HandleFunc("DELETE /executions/{execution_id}", api.handleDeleteExecution)
	mux.HandleFunc("GET /executions/{execution_id}/download", api.handleDownloadExecution)
	mux.HandleFunc("POST /executions/batch-status", api.handleBatchStatus)

	mux.HandleFunc("POST /tools/{tool_name}/batches", api.handleSubmitBatch)
	mux.HandleFunc("GET /batches/{batch_id}", api.handleGetBatch)
}

// ownerFrom resolves the submitting owner. The gateway in front of this
// service sets X-Owner after authenticating; a form field works for direct
// calls in development.
func ownerFrom(r *http.Request) string {
	if owner := strings.TrimSpace(r.Header.Get("X-Owner")); owner != "" {
		return owner
	}
	return strings.TrimSpace(r.FormValue("owner"))
}

// parseParams decodes the optional params form field, a flat JSON object of
// string values passed through to the worker untouched.
func parseParams(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	params := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}
	return params, nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (api *conversionsAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *conversionsAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *conversionsAPI) writeErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code string, details any) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
		"details":    details,
	})
}
