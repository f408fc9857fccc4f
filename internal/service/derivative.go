// derivative.go — выбор и ленивое построение отдаваемого представления файла.
//
// thumbnail → view → download: если представление неприменимо к типу файла,
// отдаётся следующее. Производные view/thumbnail строятся при первом
// запросе и хранятся рядом с оригиналом ({path}.view, {path}.thumbnail).
// Параллельные первые запросы могут построить файл дважды: запись идёт
// через временный файл и rename, результат одинаковый.
package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/attachment-module/internal/classifier"
	"github.com/bigkaa/goartstore/attachment-module/internal/domain/model"
	"github.com/bigkaa/goartstore/attachment-module/internal/storage/filestore"
	"github.com/bigkaa/goartstore/attachment-module/internal/thumbnail"
)

var derivativesGeneratedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "at_derivatives_generated_total",
	Help: "Общее количество построенных производных изображений по виду",
}, []string{"kind"})

// ServedFile — файл, выбранный для отдачи клиенту.
type ServedFile struct {
	// ID — вложение или черновик
	ID string
	// Rel — относительный путь в хранилище
	Rel string
	// FullPath — абсолютный путь на диске
	FullPath string
	Mime     string
	Name     string
	// Kind — фактически отдаваемое представление после подстановок
	Kind model.Derivative
	// Download — отдавать как вложение (Content-Disposition: attachment)
	Download bool
	// Published — файл принадлежит вложению (не черновику)
	Published bool
}

// source — общие поля вложения и черновика, нужные для отдачи.
type source struct {
	id        string
	hash      string
	rel       string
	name      string
	typ       model.FileType
	mime      string
	extension string
	published bool
}

// Resolve выбирает представление kind вложения или черновика id
// и при необходимости строит производный файл.
func (s *AttachmentService) Resolve(ctx context.Context, id string, kind model.Derivative) (*ServedFile, error) {
	src, err := s.source(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ensureOrigin(ctx, src); err != nil {
		return nil, err
	}

	if kind == model.DerivativeThumbnail && !src.typ.IsResizable() {
		kind = model.DerivativeView
	}
	if kind == model.DerivativeView && !model.IsViewable(src.typ, src.extension) {
		kind = model.DerivativeDownload
	}

	served := &ServedFile{
		ID:        src.id,
		Rel:       src.rel,
		Mime:      src.mime,
		Name:      src.name,
		Kind:      kind,
		Download:  kind == model.DerivativeDownload,
		Published: src.published,
	}

	switch kind {
	case model.DerivativeThumbnail:
		s.materialize(served, src, thumbnail.ThumbnailMaxSize, thumbnail.ThumbnailFormat)
	case model.DerivativeView:
		if src.typ.IsResizable() {
			s.materialize(served, src, thumbnail.ViewMaxSize, thumbnail.FormatKeep)
		}
	}

	served.FullPath = s.store.FullPath(served.Rel)
	return served, nil
}

// source находит вложение, а если его нет — завершённый черновик.
func (s *AttachmentService) source(ctx context.Context, id string) (*source, error) {
	entry, err := s.Lookup(ctx, id)
	if err == nil {
		f := entry.File
		return &source{
			id:        id,
			hash:      f.Hash,
			rel:       f.Path,
			name:      entry.Attachment.Name,
			typ:       f.Type,
			mime:      f.Mime,
			extension: f.Extension,
			published: true,
		}, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	d, err := s.lookupDraft(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.IsComplete() || d.Type == nil || d.Mime == nil {
		return nil, notFound("загрузка черновика %s не завершена", id)
	}
	return &source{
		id:        id,
		hash:      *d.Hash,
		rel:       d.Path,
		name:      d.Name,
		typ:       *d.Type,
		mime:      *d.Mime,
		extension: d.Extension,
	}, nil
}

// ensureOrigin восстанавливает оригинал из S3, если на диске его нет.
func (s *AttachmentService) ensureOrigin(ctx context.Context, src *source) error {
	if s.store.Exists(src.rel) {
		return nil
	}
	if s.objects == nil || filestore.IsDraftPath(src.rel) {
		return notFound("файл %s отсутствует в хранилище", src.id)
	}

	if _, err := s.store.DerivePath(src.hash); err != nil {
		return storageError(err, "не удалось подготовить каталог файла")
	}
	if err := s.objects.Download(ctx, src.rel, s.store.FullPath(src.rel)); err != nil {
		s.logger.Warn("Не удалось восстановить файл из S3",
			slog.String("path", src.rel),
			slog.String("error", err.Error()),
		)
		return notFound("файл %s отсутствует в хранилище", src.id)
	}
	s.logger.Info("Файл восстановлен из S3", slog.String("path", src.rel))
	return nil
}

// materialize подставляет производный файл в served, строя его при отсутствии.
// При ошибке построения отдаётся оригинал.
func (s *AttachmentService) materialize(served *ServedFile, src *source, size int, format thumbnail.Format) {
	rel := filestore.DerivativePath(src.rel, string(served.Kind))

	if !s.store.Exists(rel) {
		tmp := filestore.TempPath(rel)
		ok := s.engine.CreateThumbnail(s.store.FullPath(src.rel), s.store.FullPath(tmp), size, false, format)
		if !ok {
			s.store.Delete(tmp)
			return
		}
		if err := s.store.Commit(tmp, rel); err != nil {
			s.logger.Warn("Не удалось сохранить производный файл",
				slog.String("path", rel),
				slog.String("error", err.Error()),
			)
			return
		}
		derivativesGeneratedTotal.WithLabelValues(string(served.Kind)).Inc()
		s.logger.Debug("Производный файл построен",
			slog.String("path", rel),
			slog.Int("size", size),
		)
	}

	served.Rel = rel
	if mime := classifier.ClassifyMime(s.store.FullPath(rel)); strings.HasPrefix(mime, "image/") {
		served.Mime = mime
	}
}
