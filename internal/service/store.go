package service

import (
	"context"

	"github.com/bigkaa/goartstore/attachment-module/internal/repository"
)

// Transactor выполняет fn с репозиториями одной транзакции.
// Реализуется repository.TxRunner.
type Transactor interface {
	InTx(ctx context.Context, fn func(repos repository.Repos) error) error
}

// ObjectStore — внешнее объектное хранилище (S3), зеркало каталога files/.
// Реализуется s3store.Store; nil отключает зеркалирование.
type ObjectStore interface {
	Upload(ctx context.Context, rel, localPath, contentType string) error
	Download(ctx context.Context, rel, localPath string) error
	Delete(ctx context.Context, rel string) error
}
