// upload.go — создание черновика и приём фрагментов загрузки.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/attachment-module/internal/api/errors"
	"github.com/bigkaa/goartstore/attachment-module/internal/domain/model"
	"github.com/bigkaa/goartstore/attachment-module/internal/service"
)

type createDraftRequest struct {
	Name   string          `json:"name"`
	Size   int64           `json:"size"`
	Extras json.RawMessage `json:"extras,omitempty"`
}

type createDraftResponse struct {
	DraftID   string `json:"draft_id"`
	UploadURL string `json:"upload_url"`
}

type uploadResponse struct {
	Status     service.UploadStatus  `json:"status"`
	Uploaded   int64                 `json:"uploaded"`
	Attachment *model.AttachmentView `json:"attachment,omitempty"`
}

// CreateDraft — POST /draft.
func (h *APIHandler) CreateDraft(w http.ResponseWriter, r *http.Request) {
	var req createDraftRequest
	if err := decodeJSON(r, &req); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	d, err := h.uploads.CreateDraft(r.Context(), service.CreateDraftRequest{
		Name:   req.Name,
		Size:   req.Size,
		Extras: req.Extras,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, createDraftResponse{
		DraftID:   d.ID,
		UploadURL: fmt.Sprintf("%s/upload/%s", h.baseURL, d.ID),
	})
}

// UploadChunk — POST /upload/{draft_id}?expect=. Тело — байты фрагмента,
// положение задаёт заголовок Content-Range: bytes S-E/T.
func (h *APIHandler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	draftID := chi.URLParam(r, "draft_id")

	var expect model.FileType
	if v := r.URL.Query().Get("expect"); v != "" {
		t, ok := parseFileType(v)
		if !ok {
			apierrors.ValidationError(w, fmt.Sprintf("Неизвестный тип expect=%q", v))
			return
		}
		expect = t
	}

	res, err := h.uploads.AppendChunk(r.Context(), service.ChunkRequest{
		DraftID:      draftID,
		ContentRange: r.Header.Get("Content-Range"),
		Body:         r.Body,
		Length:       r.ContentLength,
		Expect:       expect,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if res.Status == service.StatusComplete {
		h.logger.Info("Загрузка завершена",
			slog.String("draft_id", draftID),
			slog.Int64("size", res.Uploaded),
		)
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		Status:     res.Status,
		Uploaded:   res.Uploaded,
		Attachment: res.View,
	})
}

func parseFileType(s string) (model.FileType, bool) {
	switch t := model.FileType(s); t {
	case model.TypeImage, model.TypeSVG, model.TypeIcon, model.TypeDocument, model.TypeArchive,
		model.TypeText, model.TypeVideo, model.TypeAudio, model.TypeFile:
		return t, true
	}
	return "", false
}
