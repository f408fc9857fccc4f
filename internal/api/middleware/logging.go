// logging.go — журнал HTTP-запросов Attachment Module.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// statusRecorder запоминает статус и размер ответа для журнала и метрик.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap нужен http.ResponseController и http.ServeContent.
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RequestLogger пишет одну запись на запрос: шаблон маршрута, ID черновика
// или вложения из URL и Content-Range фрагмента загрузки.
// Уровень: ERROR для 5xx, WARN для 4xx. Успешная отдача файлов
// (/{kind}/{id}/{name}) идёт в DEBUG, остальное в INFO.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)

			next.ServeHTTP(rec, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("route", routePattern(r)),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", rec.written),
				slog.String("remote_addr", r.RemoteAddr),
			}

			var kind string
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				kind = rctx.URLParam("kind")
				if id := rctx.URLParam("draft_id"); id != "" {
					attrs = append(attrs, slog.String("draft_id", id))
				}
				if id := rctx.URLParam("id"); id != "" {
					attrs = append(attrs, slog.String("attachment_id", id))
				}
			}
			if cr := r.Header.Get("Content-Range"); cr != "" {
				attrs = append(attrs, slog.String("content_range", cr))
			}

			logger.LogAttrs(r.Context(), requestLevel(rec.status, kind != ""), "HTTP запрос", attrs...)
		})
	}
}

func requestLevel(status int, fileRoute bool) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case fileRoute:
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
