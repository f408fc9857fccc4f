// Пакет s3store — альтернативное хранилище файлов в S3-совместимом
// объектном хранилище (AWS S3, MinIO, Localstack).
// Ключ объекта — тот же относительный путь, что и в локальном хранилище
// (files/{h0}/{h1}/{hash}.{suffix}), с необязательным префиксом.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ErrNotFound — объект отсутствует в бакете.
var ErrNotFound = errors.New("объект не найден в S3")

// API — подмножество методов *s3.Client, используемое хранилищем.
type API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Config — параметры подключения к S3.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Prefix    string
	// PathStyle — адресация bucket в пути (MinIO, Localstack)
	PathStyle  bool
	MaxRetries int
}

// Store — хранилище файлов в S3.
type Store struct {
	client API
	bucket string
	prefix string
	logger *slog.Logger
}

// NewClient создаёт *s3.Client по конфигурации: регион, статические
// учётные данные (если заданы), собственный endpoint и стандартный retryer.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3: не задан bucket")
	}
	if cfg.Region == "" {
		return nil, errors.New("S3: не задан регион")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	opts = append(opts, awsconfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("загрузка конфигурации AWS: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// New создаёт хранилище и проверяет доступ к бакету (HeadBucket).
// Бакет должен существовать заранее.
func New(ctx context.Context, client API, bucket, prefix string, logger *slog.Logger) (*Store, error) {
	if client == nil {
		return nil, errors.New("S3: клиент не задан")
	}
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("нет доступа к bucket %q: %w", bucket, err)
	}
	return &Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With(slog.String("component", "s3store")),
	}, nil
}

// Key возвращает ключ объекта для относительного пути хранилища.
func (s *Store) Key(rel string) string {
	return s.prefix + rel
}

// Upload загружает локальный файл под ключом rel.
func (s *Store) Upload(ctx context.Context, rel, localPath, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("открытие %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.Key(rel)),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("загрузка %s в S3: %w", rel, err)
	}

	s.logger.Debug("Файл загружен в S3",
		slog.String("key", s.Key(rel)),
		slog.Int64("size", info.Size()),
	)
	return nil
}

// Has проверяет наличие объекта. Отсутствие объекта ошибкой не является.
func (s *Store) Has(ctx context.Context, rel string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(rel)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("проверка объекта %s: %w", rel, err)
	}
	return true, nil
}

// Get открывает объект для чтения. Вызывающий код обязан закрыть ReadCloser.
func (s *Store) Get(ctx context.Context, rel string) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(rel)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("%s: %w", rel, ErrNotFound)
		}
		return nil, 0, fmt.Errorf("чтение объекта %s: %w", rel, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// Download сохраняет объект в локальный файл через временный файл и rename.
func (s *Store) Download(ctx context.Context, rel, localPath string) error {
	body, _, err := s.Get(ctx, rel)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp := localPath + ".s3.tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("создание %s: %w", tmp, err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("запись %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("закрытие %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("переименование %s: %w", localPath, err)
	}
	return nil
}

// Delete удаляет объект. S3 не сообщает об отсутствии объекта при удалении.
func (s *Store) Delete(ctx context.Context, rel string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(rel)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("удаление объекта %s: %w", rel, err)
	}
	return nil
}

// readinessTimeout — таймаут проверки доступности бакета.
const readinessTimeout = 3 * time.Second

// CheckReady проверяет доступ к бакету (HeadBucket).
func (s *Store) CheckReady() (status, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), readinessTimeout)
	defer cancel()

	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return "fail", fmt.Sprintf("S3 bucket %s недоступен: %v", s.bucket, err)
	}
	return "ok", "bucket " + s.bucket + " доступен"
}

// isNotFound распознаёт отсутствие объекта: NoSuchKey у GetObject,
// NotFound у HeadObject (ответ без тела), либо код API-ошибки.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
