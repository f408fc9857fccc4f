// attachment.go — чтение вложений и отдача файлов.
package handlers

import (
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/attachment-module/internal/api/errors"
	"github.com/bigkaa/goartstore/attachment-module/internal/domain/model"
)

// cacheMaxAge — время кэширования отдаваемых для просмотра файлов.
const cacheMaxAge = time.Hour

// GetAttachment — GET /attachment?id=.
func (h *APIHandler) GetAttachment(w http.ResponseWriter, r *http.Request) {
	view, err := h.attachments.GetAttachment(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetDraft — GET /drafts/{draft_id}.
func (h *APIHandler) GetDraft(w http.ResponseWriter, r *http.Request) {
	view, err := h.attachments.GetDraft(r.Context(), chi.URLParam(r, "draft_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ServeFile возвращает обработчик GET /{kind}/{id}/{name}.
// Имя в пути служит только для красивой ссылки; файл выбирается по id.
func (h *APIHandler) ServeFile(kind model.Derivative) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		served, err := h.attachments.Resolve(r.Context(), id, kind)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}

		f, err := os.Open(served.FullPath)
		if err != nil {
			if os.IsNotExist(err) {
				apierrors.NotFound(w, "Файл не найден")
				return
			}
			h.logger.Error("Ошибка открытия файла",
				slog.String("id", id),
				slog.String("path", served.Rel),
				slog.String("error", err.Error()),
			)
			apierrors.InternalError(w, "Ошибка чтения файла")
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			apierrors.InternalError(w, "Ошибка чтения файла")
			return
		}

		header := w.Header()
		if served.Mime != "" {
			header.Set("Content-Type", served.Mime)
		}
		if served.Download {
			header.Set("Content-Disposition", "attachment; filename*=UTF-8''"+url.PathEscape(served.Name))
			if served.Published && r.Method == http.MethodGet {
				h.attachments.RecordDownload(r.Context(), served.ID)
			}
		} else {
			header.Set("Cache-Control", "max-age=3600")
			header.Set("Expires", time.Now().Add(cacheMaxAge).UTC().Format(http.TimeFormat))
		}

		http.ServeContent(w, r, served.Name, info.ModTime(), f)
	}
}
