// gc.go — сборка мусора: просроченные черновики и файлы без владельца.
//
// Три операции выполняются независимо:
//  1. SweepExpiredDrafts — удаление черновиков с истёкшим сроком (файл, затем строка)
//  2. ScanTrash — обход шардов files/ и запись файлов без владельца в корзину
//  3. PurgeTrash — физическое удаление содержимого корзины
//
// Фоновая горутина с тикером (AT_GC_INTERVAL) выполняет только п.1;
// корзина наполняется и очищается по запросу администратора.
// Каждая единица работы фиксируется отдельно: прерванный проход
// не теряет уже выполненное.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/attachment-module/internal/domain/model"
	"github.com/bigkaa/goartstore/attachment-module/internal/repository"
	"github.com/bigkaa/goartstore/attachment-module/internal/storage/filestore"
)

// Prometheus метрики GC
var (
	gcRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "at_gc_runs_total",
		Help: "Общее количество запусков GC",
	})
	gcDraftsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "at_gc_drafts_swept_total",
		Help: "Общее количество удалённых просроченных черновиков",
	})
	gcTrashFoundTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "at_gc_trash_found_total",
		Help: "Общее количество файлов без владельца, найденных при сверке",
	})
	gcTrashPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "at_gc_trash_purged_total",
		Help: "Общее количество файлов, удалённых из корзины",
	})
	gcErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "at_gc_errors_total",
		Help: "Общее количество ошибок GC по операции",
	}, []string{"op"})
	gcDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "at_gc_duration_seconds",
		Help:    "Длительность операций GC в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"op"})
)

const (
	// sweepBatch — размер страницы просроченных черновиков.
	sweepBatch = 500
	// trashGrace — файлы моложе этого возраста не попадают в корзину:
	// публикация могла переместить байты, но ещё не записать строку files.
	trashGrace = time.Minute
)

// ProgressFunc получает номер обработанного элемента и общее количество
// (0, если общее количество заранее неизвестно).
type ProgressFunc func(current, total int)

// SweepResult — результат удаления просроченных черновиков.
type SweepResult struct {
	Deleted  int           `json:"deleted"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration"`
}

// ScanResult — результат сверки хранилища.
type ScanResult struct {
	Scanned  int           `json:"scanned"`
	Found    int           `json:"found"`
	Size     int64         `json:"size"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration"`
}

// PurgeResult — результат очистки корзины.
type PurgeResult struct {
	Purged   int           `json:"purged"`
	Skipped  int           `json:"skipped"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration"`
}

// TrashPage — страница корзины с общей статистикой.
type TrashPage struct {
	Items []*model.Trash
	Total int
	Size  int64
}

// GCService — сборка мусора.
type GCService struct {
	repos    repository.Repos
	store    *filestore.FileStore
	deleter  *DeleteService
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex // защита от параллельного запуска
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGCService создаёт сервис GC. interval <= 0 отключает фоновый запуск.
func NewGCService(
	repos repository.Repos,
	store *filestore.FileStore,
	deleter *DeleteService,
	interval time.Duration,
	logger *slog.Logger,
) *GCService {
	return &GCService{
		repos:    repos,
		store:    store,
		deleter:  deleter,
		interval: interval,
		logger:   logger.With(slog.String("component", "gc")),
		now:      time.Now,
	}
}

// Start запускает фоновую горутину GC. Вызывается один раз при старте.
func (gc *GCService) Start(ctx context.Context) {
	if gc.interval <= 0 {
		gc.logger.Info("Фоновый GC отключён")
		return
	}
	gcCtx, cancel := context.WithCancel(ctx)
	gc.cancel = cancel
	gc.done = make(chan struct{})

	go gc.run(gcCtx)

	gc.logger.Info("GC запущен",
		slog.String("interval", gc.interval.String()),
	)
}

// Stop останавливает фоновую горутину и ждёт завершения текущего прохода.
func (gc *GCService) Stop() {
	if gc.cancel == nil {
		return
	}
	gc.cancel()
	<-gc.done
	gc.logger.Info("GC остановлен")
}

func (gc *GCService) run(ctx context.Context) {
	defer close(gc.done)

	// Первый запуск — сразу после старта
	gc.RunOnce(ctx)

	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gc.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход фонового GC.
func (gc *GCService) RunOnce(ctx context.Context) *SweepResult {
	gcRunsTotal.Inc()
	res, err := gc.SweepExpiredDrafts(ctx, nil)
	if err != nil {
		gc.logger.Error("GC: ошибка прохода",
			slog.String("error", err.Error()),
		)
	}
	return res
}

// SweepExpiredDrafts удаляет черновики с истёкшим сроком.
// Если файл удалить не удалось, строка остаётся до следующего прохода.
func (gc *GCService) SweepExpiredDrafts(ctx context.Context, progress ProgressFunc) (*SweepResult, error) {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	start := time.Now()
	result := &SweepResult{}
	defer func() {
		result.Duration = time.Since(start)
		gcDurationSeconds.WithLabelValues("sweep").Observe(result.Duration.Seconds())
	}()

	now := gc.now().UTC()
	total, err := gc.repos.Drafts.CountExpired(ctx, now)
	if err != nil {
		return result, internal(err, "ошибка подсчёта просроченных черновиков")
	}
	// Черновики, которые не удалось удалить, остаются в выборке до следующего прохода
	seen := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		drafts, err := gc.repos.Drafts.ListExpired(ctx, now, sweepBatch)
		if err != nil {
			return result, internal(err, "ошибка получения просроченных черновиков")
		}

		fresh := 0
		for _, d := range drafts {
			if seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			fresh++

			ok, err := gc.deleter.DeleteDraft(ctx, d.ID)
			if err != nil {
				gcErrorsTotal.WithLabelValues("sweep").Inc()
				gc.logger.Error("GC: ошибка удаления черновика",
					slog.String("draft_id", d.ID),
					slog.String("error", err.Error()),
				)
				result.Errors++
			} else if ok {
				result.Deleted++
				gcDraftsSweptTotal.Inc()
			}
			if progress != nil {
				progress(len(seen), max(total, len(seen)))
			}
		}
		if len(drafts) < sweepBatch || fresh == 0 {
			break
		}
	}

	gc.logger.Info("GC завершён",
		slog.Int("deleted", result.Deleted),
		slog.Int("errors", result.Errors),
	)
	return result, nil
}

// ScanTrash обходит files/ и записывает в корзину файлы без владельца:
// оригиналы без строки files и производные без оригинала.
func (gc *GCService) ScanTrash(ctx context.Context, progress ProgressFunc) (*ScanResult, error) {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	start := time.Now()
	result := &ScanResult{}
	threshold := gc.now().Add(-trashGrace)

	err := gc.store.WalkShards(func(rel string, size int64, mod time.Time) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		result.Scanned++
		if progress != nil {
			progress(result.Scanned, 0)
		}
		if mod.After(threshold) {
			return nil
		}

		orphan, err := gc.isOrphan(ctx, rel)
		if err != nil {
			gcErrorsTotal.WithLabelValues("scan").Inc()
			gc.logger.Error("GC: ошибка проверки файла",
				slog.String("path", rel),
				slog.String("error", err.Error()),
			)
			result.Errors++
			return nil
		}
		if !orphan {
			return nil
		}

		if err := gc.repos.Trashes.Upsert(ctx, &model.Trash{Path: rel, Size: size, CreatedAt: mod.UTC()}); err != nil {
			gcErrorsTotal.WithLabelValues("scan").Inc()
			gc.logger.Error("GC: ошибка записи в корзину",
				slog.String("path", rel),
				slog.String("error", err.Error()),
			)
			result.Errors++
			return nil
		}
		result.Found++
		result.Size += size
		gcTrashFoundTotal.Inc()
		return nil
	})

	result.Duration = time.Since(start)
	gcDurationSeconds.WithLabelValues("scan").Observe(result.Duration.Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return result, err
		}
		return result, storageError(err, "ошибка обхода хранилища")
	}

	gc.logger.Info("Сверка хранилища завершена",
		slog.Int("scanned", result.Scanned),
		slog.Int("found", result.Found),
		slog.Int64("size", result.Size),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

// isOrphan — у файла нет владельца.
func (gc *GCService) isOrphan(ctx context.Context, rel string) (bool, error) {
	if origin, ok := filestore.IsDerivative(rel); ok {
		return !gc.store.Exists(origin), nil
	}
	exists, err := gc.repos.Files.ExistsByPath(ctx, rel)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// PurgeTrash удаляет все файлы корзины.
func (gc *GCService) PurgeTrash(ctx context.Context, progress ProgressFunc) (*PurgeResult, error) {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	start := time.Now()
	result := &PurgeResult{}

	entries, err := gc.repos.Trashes.ListAll(ctx)
	if err != nil {
		return result, internal(err, "ошибка получения корзины")
	}

	for i, t := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		purged, err := gc.purge(ctx, t.Path)
		switch {
		case err != nil:
			gcErrorsTotal.WithLabelValues("purge").Inc()
			gc.logger.Error("GC: ошибка удаления из корзины",
				slog.String("path", t.Path),
				slog.String("error", err.Error()),
			)
			result.Errors++
		case purged:
			result.Purged++
		default:
			result.Skipped++
		}
		if progress != nil {
			progress(i+1, len(entries))
		}
	}

	result.Duration = time.Since(start)
	gcDurationSeconds.WithLabelValues("purge").Observe(result.Duration.Seconds())

	gc.logger.Info("Корзина очищена",
		slog.Int("purged", result.Purged),
		slog.Int("skipped", result.Skipped),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

// PurgeTrashEntry удаляет один файл корзины.
// Путь должен быть записан в корзине и лежать внутри files/.
func (gc *GCService) PurgeTrashEntry(ctx context.Context, rel string) (bool, error) {
	if err := filestore.ValidatePath(rel); err != nil {
		return false, validation("недопустимый путь %q", rel)
	}
	if !strings.HasPrefix(rel, filestore.FilesDir+"/") {
		return false, validation("путь %q вне каталога %s", rel, filestore.FilesDir)
	}

	gc.mu.Lock()
	defer gc.mu.Unlock()

	if _, err := gc.repos.Trashes.GetByPath(ctx, rel); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, notFound("путь %q отсутствует в корзине", rel)
		}
		return false, internal(err, "ошибка чтения корзины")
	}
	return gc.purge(ctx, rel)
}

// purge удаляет файл корзины, если он всё ещё без владельца.
// Файл, получивший владельца после сверки, только убирается из корзины.
func (gc *GCService) purge(ctx context.Context, rel string) (bool, error) {
	orphan, err := gc.isOrphan(ctx, rel)
	if err != nil {
		return false, internal(err, "ошибка проверки файла %s", rel)
	}

	if orphan {
		if err := gc.store.DeleteWithDerivatives(rel); err != nil {
			return false, storageError(err, "не удалось удалить файл")
		}
	}
	if err := gc.repos.Trashes.Delete(ctx, rel); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return false, internal(err, "ошибка удаления записи корзины")
	}
	if !orphan {
		gc.logger.Info("Файл получил владельца, удалён только из корзины",
			slog.String("path", rel),
		)
		return false, nil
	}

	gcTrashPurgedTotal.Inc()
	gc.logger.Debug("GC: файл удалён из корзины", slog.String("path", rel))
	return true, nil
}

// PurgeTrashEntries удаляет набор путей корзины; результат — успех всех.
func (gc *GCService) PurgeTrashEntries(ctx context.Context, paths []string) bool {
	ok := true
	for _, p := range paths {
		if _, err := gc.PurgeTrashEntry(ctx, p); err != nil {
			gc.logger.Error("Ошибка удаления из корзины",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
			ok = false
		}
	}
	return ok
}

// ListTrash возвращает страницу корзины.
func (gc *GCService) ListTrash(ctx context.Context, limit, offset int) (*TrashPage, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	items, err := gc.repos.Trashes.List(ctx, limit, offset)
	if err != nil {
		return nil, internal(err, "ошибка получения корзины")
	}
	total, size, err := gc.repos.Trashes.Count(ctx)
	if err != nil {
		return nil, internal(err, "ошибка подсчёта корзины")
	}
	return &TrashPage{Items: items, Total: total, Size: size}, nil
}
