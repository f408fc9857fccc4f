// cache.go — LRU-кэш вложений с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable: ограниченный размер,
// запись устаревает через TTL, инвалидация при публикации и удалении.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/attachment-module/internal/domain/model"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "at_cache_hits_total",
		Help: "Общее количество попаданий в кэш вложений.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "at_cache_misses_total",
		Help: "Общее количество промахов кэша вложений.",
	})
)

// AttachmentEntry — вложение вместе с файлом, на который оно ссылается.
type AttachmentEntry struct {
	Attachment *model.Attachment
	File       *model.File
}

// CacheService — кэш записей вложений по attachment_id.
type CacheService struct {
	cache *expirable.LRU[string, *AttachmentEntry]
}

// NewCacheService создаёт кэш на maxSize записей со временем жизни ttl.
func NewCacheService(maxSize int, ttl time.Duration) *CacheService {
	return &CacheService{
		cache: expirable.NewLRU[string, *AttachmentEntry](maxSize, nil, ttl),
	}
}

// Get возвращает запись и обновляет метрики hit/miss.
func (c *CacheService) Get(id string) (*AttachmentEntry, bool) {
	val, ok := c.cache.Get(id)
	if ok {
		cacheHitsTotal.Inc()
		return val, true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Set добавляет или обновляет запись.
func (c *CacheService) Set(id string, entry *AttachmentEntry) {
	c.cache.Add(id, entry)
}

// Invalidate удаляет записи указанных вложений.
func (c *CacheService) Invalidate(ids ...string) {
	for _, id := range ids {
		c.cache.Remove(id)
	}
}

// Len — текущее количество записей.
func (c *CacheService) Len() int {
	return c.cache.Len()
}
