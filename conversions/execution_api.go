package main

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/fileworks-labs/fileworks-go/internal/domain"
	"github.com/fileworks-labs/fileworks-go/internal/repo"
	"github.com/fileworks-labs/fileworks-go/internal/service/executions"
	"github.com/fileworks-labs/fileworks-go/internal/service/status"
	"github.com/fileworks-labs/fileworks-go/internal/storage/objectstore"
)

const multipartMemoryLimit = 32 << 20

func (api *conversionsAPI) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	toolName := strings.TrimSpace(r.PathValue("tool_name"))
	if toolName == "" {
		api.writeError(w, r, http.StatusBadRequest, "tool_name_required")
		return
	}

	file, header, ok := api.readUpload(w, r, "file")
	if !ok {
		return
	}
	defer func() { _ = file.Close() }()

	owner := ownerFrom(r)
	if owner == "" {
		api.writeError(w, r, http.StatusBadRequest, "owner_required")
		return
	}
	params, err := parseParams(r.FormValue("params"))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_params")
		return
	}

	exec, err := api.executions.Submit(r.Context(), executions.SubmitRequest{
		Owner:    owner,
		ToolName: toolName,
		Filename: header.Filename,
		Input:    file,
		Size:     header.Size,
		Params:   params,
	})
	if err != nil {
		api.writeSubmitError(w, r, err)
		return
	}

	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"executionId": exec.ID,
		"status":      string(exec.Status),
	})
}

func (api *conversionsAPI) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("execution_id"))
	if id == "" {
		api.writeError(w, r, http.StatusBadRequest, "execution_id_required")
		return
	}

	view, err := api.status.Execution(r.Context(), id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("get execution", "execution_id", id, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, view)
}

func (api *conversionsAPI) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := repo.ExecutionFilter{
		Owner:    strings.TrimSpace(r.URL.Query().Get("owner")),
		ToolName: strings.TrimSpace(r.URL.Query().Get("tool")),
	}
	if rawStatus := strings.TrimSpace(r.URL.Query().Get("status")); rawStatus != "" {
		normalized := domain.NormalizeStatus(rawStatus)
		if normalized == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
		filter.Status = normalized
	}
	var ok bool
	if filter.Limit, ok = api.queryInt(w, r, "limit", 100); !ok {
		return
	}
	if filter.Offset, ok = api.queryInt(w, r, "offset", 0); !ok {
		return
	}

	views, err := api.status.Executions(r.Context(), filter)
	if err != nil {
		api.logger.Error("list executions", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"executions": views})
}

func (api *conversionsAPI) handleDeleteExecution(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("execution_id"))
	if id == "" {
		api.writeError(w, r, http.StatusBadRequest, "execution_id_required")
		return
	}
	if err := api.executions.Delete(r.Context(), id); err != nil {
		api.logger.Error("delete execution", "execution_id", id, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *conversionsAPI) handleDownloadExecution(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("execution_id"))
	if id == "" {
		api.writeError(w, r, http.StatusBadRequest, "execution_id_required")
		return
	}

	body, info, err := api.status.Download(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound), errors.Is(err, objectstore.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "not_found")
		case errors.Is(err, status.ErrNoOutput):
			api.writeError(w, r, http.StatusConflict, "output_not_ready")
		default:
			api.logger.Error("download execution", "execution_id", id, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}
	defer func() { _ = body.Close() }()

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+info.Key+`"`)
	if _, err := io.Copy(w, body); err != nil {
		api.logger.Warn("stream download interrupted", "execution_id", id, "error", err)
	}
}

type batchStatusRequest struct {
	ExecutionIDs []string `json:"executionIds"`
}

func (api *conversionsAPI) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	var req batchStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(req.ExecutionIDs) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "execution_ids_required")
		return
	}

	views, err := api.status.ExecutionsByIDs(r.Context(), req.ExecutionIDs)
	if err != nil {
		api.logger.Error("batch status", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"executions": views})
}

// readUpload enforces the size limit, parses the multipart form and opens
// the named file field.
func (api *conversionsAPI) readUpload(w http.ResponseWriter, r *http.Request, field string) (multipart.File, *multipart.FileHeader, bool) {
	if r.ContentLength > 0 && r.ContentLength > api.uploadMaxBytes {
		api.writeErrorWithDetails(w, r, http.StatusRequestEntityTooLarge, "upload_too_large", map[string]any{
			"max_bytes":      api.uploadMaxBytes,
			"content_length": r.ContentLength,
		})
		return nil, nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, api.uploadMaxBytes)
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.writeErrorWithDetails(w, r, http.StatusRequestEntityTooLarge, "upload_too_large", map[string]any{
				"max_bytes": api.uploadMaxBytes,
			})
			return nil, nil, false
		}
		api.writeError(w, r, http.StatusBadRequest, "invalid_multipart")
		return nil, nil, false
	}

	file, header, err := r.FormFile(field)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "file_required")
		return nil, nil, false
	}
	return file, header, true
}

func (api *conversionsAPI) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, executions.ErrUnknownTool):
		api.writeError(w, r, http.StatusNotFound, "unknown_tool")
	case errors.Is(err, executions.ErrInvalidSubmission):
		api.writeError(w, r, http.StatusBadRequest, "invalid_submission")
	case errors.Is(err, objectstore.ErrUnavailable):
		api.writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable")
	default:
		api.logger.Error("submit execution", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *conversionsAPI) queryInt(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		api.writeError(w, r, http.StatusBadRequest, "invalid_"+name)
		return 0, false
	}
	return value, true
}
