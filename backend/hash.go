package backend

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Hash はブロブ内容のSHA-256ダイジェスト（16進数64文字）
// ルート・インデックス・リーフファイルすべてこのハッシュでアドレスされる
type Hash string

// EmptyHash は未計算・未設定を表すゼロ値
const EmptyHash Hash = ""

// ComputeHash はバイト列のコンテンツハッシュを計算します
func ComputeHash(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// Valid はハッシュ文字列としての形式チェックを行います
func (h Hash) Valid() bool {
	if len(h) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(string(h))
	return err == nil
}

func (h Hash) String() string {
	return string(h)
}

// ----------------------------------------------------------------
// ファイルハンドル抽象
// ----------------------------------------------------------------

// FileHandle はメモリ上またはディスク上のブロブへの統一的なアクセスを提供するインターフェース
// アップロード時のPDF/EPUBペイロードなど、内容の持ち方を問わずハッシュとサイズを導出できる
type FileHandle interface {
	Read() ([]byte, error)        // 内容全体を読み込む
	Reader() (io.ReadCloser, error) // ストリームとして開く
	Size() (int64, error)         // バイト長を返す
	ContentHash() (Hash, error)   // 内容のハッシュを返す（初回計算後はキャッシュ）
}

// memoryFile はメモリ上のバイト列を保持するFileHandle実装
type memoryFile struct {
	data []byte
	hash Hash
}

// NewMemoryFile はバイト列からFileHandleを作成します
func NewMemoryFile(data []byte) FileHandle {
	return &memoryFile{data: data}
}

func (m *memoryFile) Read() ([]byte, error) {
	return m.data, nil
}

func (m *memoryFile) Reader() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.data)), nil
}

func (m *memoryFile) Size() (int64, error) {
	return int64(len(m.data)), nil
}

func (m *memoryFile) ContentHash() (Hash, error) {
	if m.hash == EmptyHash {
		m.hash = ComputeHash(m.data)
	}
	return m.hash, nil
}

// diskFile はディスク上のファイルを参照するFileHandle実装
// ハッシュとサイズは初回アクセス時に計算して保持する
type diskFile struct {
	path string
	hash Hash
	size int64
}

// NewDiskFile はファイルパスからFileHandleを作成します
func NewDiskFile(path string) FileHandle {
	return &diskFile{path: path, size: -1}
}

func (d *diskFile) Read() ([]byte, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", d.path, err)
	}
	return data, nil
}

func (d *diskFile) Reader() (io.ReadCloser, error) {
	f, err := os.Open(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", d.path, err)
	}
	return f, nil
}

func (d *diskFile) Size() (int64, error) {
	if d.size >= 0 {
		return d.size, nil
	}
	info, err := os.Stat(d.path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat file %s: %w", d.path, err)
	}
	d.size = info.Size()
	return d.size, nil
}

func (d *diskFile) ContentHash() (Hash, error) {
	if d.hash != EmptyHash {
		return d.hash, nil
	}
	f, err := os.Open(d.path)
	if err != nil {
		return EmptyHash, fmt.Errorf("failed to open file %s: %w", d.path, err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return EmptyHash, fmt.Errorf("failed to hash file %s: %w", d.path, err)
	}
	d.size = size
	d.hash = Hash(hex.EncodeToString(h.Sum(nil)))
	return d.hash, nil
}
