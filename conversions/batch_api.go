package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/fileworks-labs/fileworks-go/internal/repo"
	"github.com/fileworks-labs/fileworks-go/internal/service/executions"
)

func (api *conversionsAPI) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	toolName := strings.TrimSpace(r.PathValue("tool_name"))
	if toolName == "" {
		api.writeError(w, r, http.StatusBadRequest, "tool_name_required")
		return
	}

	if r.ContentLength > 0 && r.ContentLength > api.uploadMaxBytes {
		api.writeErrorWithDetails(w, r, http.StatusRequestEntityTooLarge, "upload_too_large", map[string]any{
			"max_bytes":      api.uploadMaxBytes,
			"content_length": r.ContentLength,
		})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, api.uploadMaxBytes)
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.writeErrorWithDetails(w, r, http.StatusRequestEntityTooLarge, "upload_too_large", map[string]any{
				"max_bytes": api.uploadMaxBytes,
			})
			return
		}
		api.writeError(w, r, http.StatusBadRequest, "invalid_multipart")
		return
	}

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

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "files_required")
		return
	}

	items := make([]executions.BatchItem, 0, len(headers))
	for _, header := range headers {
		file, err := header.Open()
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_multipart")
			return
		}
		defer func() { _ = file.Close() }()
		items = append(items, executions.BatchItem{
			Filename: header.Filename,
			Input:    file,
			Size:     header.Size,
			Params:   params,
		})
	}

	batch, err := api.executions.SubmitBatch(r.Context(), owner, toolName, items)
	if err != nil {
		api.writeSubmitError(w, r, err)
		return
	}

	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"batchId":      batch.ID,
		"executionIds": batch.ExecutionIDs,
	})
}

func (api *conversionsAPI) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("batch_id"))
	if id == "" {
		api.writeError(w, r, http.StatusBadRequest, "batch_id_required")
		return
	}

	view, err := api.status.Batch(r.Context(), id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("get batch", "batch_id", id, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, view)
}
