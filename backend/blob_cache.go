package backend

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
)

// BlobCache はハッシュをキーとするローカルのコンテンツアドレスキャッシュ
// ブロブは不変なので、ファイルが存在すれば内容は正しいとみなせる
type BlobCache interface {
	// Get はキャッシュ済みブロブを読み出します
	Get(hash Hash) ([]byte, error)
	// Open はキャッシュ済みブロブをストリームで開きます
	Open(hash Hash) (io.ReadCloser, error)
	// Put はブロブを検証付きで書き込みます（ハッシュ不一致はErrIntegrity）
	Put(hash Hash, data []byte) error
	// PutFrom はハンドルからブロブを書き込みます
	PutFrom(hash Hash, handle FileHandle) error
	// Exists はブロブがキャッシュ済みかどうかを返します
	Exists(hash Hash) bool
	// ParsedIndex はパース済みインデックスのメモ化付き取得
	ParsedIndex(hash Hash) (*Index, error)
}

type blobCacheImpl struct {
	dir string
	// パース済みインデックスのLRU（同じハッシュのインデックスを何度も読み直さないため）
	indexes *lru.Cache[Hash, *Index]
}

// NewBlobCache はディレクトリを用意してキャッシュを作成します
func NewBlobCache(dir string) (BlobCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	indexes, err := lru.New[Hash, *Index](256)
	if err != nil {
		return nil, err
	}
	return &blobCacheImpl{dir: dir, indexes: indexes}, nil
}

func (c *blobCacheImpl) path(hash Hash) string {
	return filepath.Join(c.dir, string(hash))
}

func (c *blobCacheImpl) Get(hash Hash) ([]byte, error) {
	data, err := os.ReadFile(c.path(hash))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached blob: %w", err)
	}
	return data, nil
}

func (c *blobCacheImpl) Open(hash Hash) (io.ReadCloser, error) {
	f, err := os.Open(c.path(hash))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open cached blob: %w", err)
	}
	return f, nil
}

func (c *blobCacheImpl) Put(hash Hash, data []byte) error {
	if ComputeHash(data) != hash {
		return fmt.Errorf("%w: blob does not match hash %s", ErrIntegrity, hash)
	}
	return c.write(hash, data)
}

func (c *blobCacheImpl) PutFrom(hash Hash, handle FileHandle) error {
	actual, err := handle.ContentHash()
	if err != nil {
		return err
	}
	if actual != hash {
		return fmt.Errorf("%w: blob does not match hash %s", ErrIntegrity, hash)
	}
	data, err := handle.Read()
	if err != nil {
		return err
	}
	return c.write(hash, data)
}

// write は一時ファイルに書いてからリネームする（部分書き込みを残さない）
func (c *blobCacheImpl) write(hash Hash, data []byte) error {
	if c.Exists(hash) {
		return nil
	}
	tmp := c.path(hash) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, c.path(hash)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize blob: %w", err)
	}
	return nil
}

func (c *blobCacheImpl) Exists(hash Hash) bool {
	_, err := os.Stat(c.path(hash))
	return err == nil
}

func (c *blobCacheImpl) ParsedIndex(hash Hash) (*Index, error) {
	if cached, ok := c.indexes.Get(hash); ok {
		return cached, nil
	}
	data, err := c.Get(hash)
	if err != nil {
		return nil, err
	}
	index, err := ParseVerifiedIndex(data, hash)
	if err != nil {
		return nil, err
	}
	c.indexes.Add(hash, index)
	return index, nil
}
