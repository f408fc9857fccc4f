// maintenance.go — административные операции: удаление, сборка мусора, корзина.
package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/bigkaa/goartstore/attachment-module/internal/api/errors"
	"github.com/bigkaa/goartstore/attachment-module/internal/service"
)

// DeleteDrafts — DELETE /draft {draft_ids: "a,b"}.
func (h *APIHandler) DeleteDrafts(w http.ResponseWriter, r *http.Request) {
	ids, err := csvParam(r, "draft_ids")
	if err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}
	if len(ids) == 0 {
		apierrors.ValidationError(w, "Не указаны draft_ids")
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: h.deleter.DeleteDrafts(r.Context(), ids)})
}

// DeleteAttachments — DELETE /attachments {attachment_ids: "a,b"}.
func (h *APIHandler) DeleteAttachments(w http.ResponseWriter, r *http.Request) {
	ids, err := csvParam(r, "attachment_ids")
	if err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}
	if len(ids) == 0 {
		apierrors.ValidationError(w, "Не указаны attachment_ids")
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: h.deleter.DeleteAttachments(r.Context(), ids)})
}

// SweepDrafts — DELETE /drafts: удаление всех просроченных черновиков.
func (h *APIHandler) SweepDrafts(w http.ResponseWriter, r *http.Request) {
	res, err := h.collector.SweepExpiredDrafts(r.Context(), h.progress("sweep_drafts"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type trashItem struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

type trashListResponse struct {
	Items  []trashItem `json:"items"`
	Total  int         `json:"total"`
	Size   int64       `json:"size"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// ListTrash — GET /trashes?limit=&offset=.
func (h *APIHandler) ListTrash(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	page, err := h.collector.ListTrash(r.Context(), limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := trashListResponse{
		Items:  make([]trashItem, 0, len(page.Items)),
		Total:  page.Total,
		Size:   page.Size,
		Limit:  limit,
		Offset: offset,
	}
	for _, t := range page.Items {
		resp.Items = append(resp.Items, trashItem{Path: t.Path, Size: t.Size, CreatedAt: t.CreatedAt})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ScanTrash — POST /trashes: сверка хранилища с реестром.
func (h *APIHandler) ScanTrash(w http.ResponseWriter, r *http.Request) {
	res, err := h.collector.ScanTrash(r.Context(), h.progress("scan_trash"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PurgeTrashEntries — DELETE /trash {paths: "a,b"}.
func (h *APIHandler) PurgeTrashEntries(w http.ResponseWriter, r *http.Request) {
	paths, err := csvParam(r, "paths")
	if err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}
	if len(paths) == 0 {
		apierrors.ValidationError(w, "Не указаны paths")
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: h.collector.PurgeTrashEntries(r.Context(), paths)})
}

// PurgeTrash — DELETE /trashes: удаление всех подтверждённых сирот.
func (h *APIHandler) PurgeTrash(w http.ResponseWriter, r *http.Request) {
	res, err := h.collector.PurgeTrash(r.Context(), h.progress("purge_trash"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// progressStep — период записи прогресса длинных операций в лог.
const progressStep = 1000

// progress пишет прогресс операции op в лог каждые progressStep элементов.
func (h *APIHandler) progress(op string) service.ProgressFunc {
	return func(current, total int) {
		if current%progressStep != 0 {
			return
		}
		h.logger.Info("Прогресс операции",
			slog.String("op", op),
			slog.Int("current", current),
			slog.Int("total", total),
		)
	}
}

// pagination разбирает limit (1..1000, по умолчанию 100) и offset (>= 0).
func pagination(r *http.Request) (limit, offset int, err error) {
	limit, offset = 100, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 1000 {
			return 0, 0, fmt.Errorf("Некорректное значение limit=%q", v)
		}
	}
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("Некорректное значение offset=%q", v)
		}
	}
	return limit, offset, nil
}
