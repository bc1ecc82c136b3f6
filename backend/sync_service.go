package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SyncService は検証付きのブロブ・ルート操作を提供するインターフェース
// CloudOperationsの上に、キャッシュ・ハッシュ検証・リトライを重ねる
type SyncService interface {
	// ルート操作 ------------------------------------------------------------
	ReadRoot(ctx context.Context) (RootInfo, *Index, error)
	WriteRoot(ctx context.Context, current RootInfo, index *Index) (RootInfo, error)

	// ブロブ操作 ------------------------------------------------------------
	FetchBlob(ctx context.Context, file File) ([]byte, error)
	FetchIndex(ctx context.Context, hash Hash) (*Index, error)
	UploadBlob(ctx context.Context, upload BlobUpload) (skipped bool, err error)

	// テスト用メソッド ------------------------------------------------------------
	Cache() BlobCache
}

// syncServiceImpl はSyncServiceの実装
type syncServiceImpl struct {
	ops    CloudOperations
	cache  BlobCache
	logger EngineLogger
}

// NewSyncService は新しいSyncServiceインスタンスを作成
func NewSyncService(ops CloudOperations, cache BlobCache, logger EngineLogger) SyncService {
	return &syncServiceImpl{
		ops:    ops,
		cache:  cache,
		logger: logger,
	}
}

// リトライ設定
type retryConfig struct {
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	shouldRetry func(error) bool
}

// ネットワーク起因のエラーかどうか
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "connection") ||
		strings.Contains(err.Error(), "deadline exceeded") ||
		strings.Contains(err.Error(), "server returned 5")
}

// ダウンロード用のリトライ設定
// ハッシュ不一致は伝搬途中の破損の可能性があるため1回は取り直す
var downloadRetryConfig = &retryConfig{
	maxRetries: 5,
	baseDelay:  2 * time.Second,
	maxDelay:   30 * time.Second,
	shouldRetry: func(err error) bool {
		return isTransient(err) || errors.Is(err, ErrIntegrity)
	},
}

// アップロード用のリトライ設定
var uploadRetryConfig = &retryConfig{
	maxRetries: 4,
	baseDelay:  2 * time.Second,
	maxDelay:   20 * time.Second,
	shouldRetry: isTransient,
}

// ルート操作用のリトライ設定
// 世代衝突はリトライせず呼び出し側で差分を取り直す
var rootRetryConfig = &retryConfig{
	maxRetries: 3,
	baseDelay:  1 * time.Second,
	maxDelay:   10 * time.Second,
	shouldRetry: func(err error) bool {
		return isTransient(err) && !errors.Is(err, ErrRootConflict)
	},
}

// リトライロジックを実行する汎用関数
func (s *syncServiceImpl) withRetry(operation func() error, config *retryConfig) error {
	var lastErr error
	delay := config.baseDelay

	for i := 0; i < config.maxRetries; i++ {
		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err
		if !config.shouldRetry(err) || i == config.maxRetries-1 {
			break
		}

		s.logger.Console("retrying after error: %v", err)
		time.Sleep(delay)
		delay *= 2 // 指数バックオフ
		if delay > config.maxDelay {
			delay = config.maxDelay
		}
	}

	return lastErr
}

// ----------------------------------------------------------------
// ルート操作
// ----------------------------------------------------------------

// ReadRoot はルートポインタとルートインデックスを取得します
func (s *syncServiceImpl) ReadRoot(ctx context.Context) (RootInfo, *Index, error) {
	var root RootInfo
	err := s.withRetry(func() error {
		var err error
		root, err = s.ops.GetRoot(ctx)
		return err
	}, rootRetryConfig)
	if err != nil {
		return RootInfo{}, nil, err
	}

	if !root.Hash.Valid() {
		// 新規アカウント。ルートはまだ存在しない
		return root, &Index{Schema: IndexSchemaVersion}, nil
	}

	index, err := s.FetchIndex(ctx, root.Hash)
	if err != nil {
		return RootInfo{}, nil, err
	}
	return root, index, nil
}

// WriteRoot は新しいルートインデックスをアップロードし、ルートポインタをCAS更新します
func (s *syncServiceImpl) WriteRoot(ctx context.Context, current RootInfo, index *Index) (RootInfo, error) {
	data := index.Serialize()
	hash := ComputeHash(data)

	if _, err := s.UploadBlob(ctx, BlobUpload{Hash: hash, UUID: "root.docSchema", Data: NewMemoryFile(data)}); err != nil {
		return RootInfo{}, fmt.Errorf("failed to upload root index: %w", err)
	}

	var updated RootInfo
	err := s.withRetry(func() error {
		var err error
		updated, err = s.ops.PutRoot(ctx, RootUpdate{
			Broadcast:  true,
			Generation: current.Generation,
			Hash:       hash,
		})
		return err
	}, rootRetryConfig)
	if err != nil {
		return RootInfo{}, err
	}

	if err := s.cache.Put(hash, data); err != nil {
		s.logger.Console("failed to cache root index: %v", err)
	}
	return updated, nil
}

// ----------------------------------------------------------------
// ブロブ操作
// ----------------------------------------------------------------

// FetchBlob はブロブをキャッシュ優先で取得します
// ダウンロードした内容はエントリのハッシュと照合し、一致した場合のみキャッシュへ入れる
func (s *syncServiceImpl) FetchBlob(ctx context.Context, file File) ([]byte, error) {
	if data, err := s.cache.Get(file.Hash); err == nil {
		return data, nil
	}

	var data []byte
	err := s.withRetry(func() error {
		downloaded, err := s.ops.GetBlob(ctx, file.Hash)
		if err != nil {
			return err
		}
		if actual := ComputeHash(downloaded); actual != file.Hash {
			return fmt.Errorf("%w: blob %s arrived with hash %s", ErrIntegrity, file.UUID, actual)
		}
		data = downloaded
		return nil
	}, downloadRetryConfig)
	if err != nil {
		return nil, s.logger.Error(err, "failed to fetch blob %s", file.UUID)
	}

	if err := s.cache.Put(file.Hash, data); err != nil {
		s.logger.Console("failed to cache blob %s: %v", file.UUID, err)
	}
	return data, nil
}

// FetchIndex はインデックスブロブを取得して解析します
func (s *syncServiceImpl) FetchIndex(ctx context.Context, hash Hash) (*Index, error) {
	if index, err := s.cache.ParsedIndex(hash); err == nil {
		return index, nil
	}

	data, err := s.FetchBlob(ctx, File{Hash: hash, UUID: string(hash)})
	if err != nil {
		return nil, err
	}
	return ParseVerifiedIndex(data, hash)
}

// UploadBlob はブロブをアップロードします
// サーバーに同じハッシュが既にあればスキップする。存在確認が失敗した場合は無条件でアップロードする
func (s *syncServiceImpl) UploadBlob(ctx context.Context, upload BlobUpload) (bool, error) {
	exists, err := s.ops.BlobExists(ctx, upload.Hash)
	if err != nil {
		s.logger.Console("blob probe failed, uploading unconditionally: %v", err)
	} else if exists {
		return true, nil
	}

	err = s.withRetry(func() error {
		return s.ops.PutBlob(ctx, upload.Hash, upload.UUID, upload.Data)
	}, uploadRetryConfig)
	if err != nil {
		return false, s.logger.Error(err, "failed to upload blob %s", upload.UUID)
	}

	if err := s.cache.PutFrom(upload.Hash, upload.Data); err != nil {
		s.logger.Console("failed to cache uploaded blob %s: %v", upload.UUID, err)
	}
	return false, nil
}

func (s *syncServiceImpl) Cache() BlobCache {
	return s.cache
}
