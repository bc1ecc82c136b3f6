package backend

import (
	"fmt"
	"strconv"
	"strings"
)

// IndexSchemaVersion は現行のインデックススキーマバージョン
const IndexSchemaVersion = 3

// File はインデックスブロブ内の1エントリ
// トップレベルのエントリはドキュメントインデックスを指し、リーフのエントリは実ブロブを指す
type File struct {
	Hash         Hash   // 参照先ブロブのハッシュ
	UUID         string // 論理名（素のUUID、または UUID.拡張子）
	ContentCount int    // 参照先がインデックスの場合の子エントリ数（リーフは0）
	Size         int64  // 参照先ブロブのバイト長
}

// DocumentID はリーフ名からUUID部分を取り出します（"D.metadata" → "D"、"D/P.rm" → "D"）
func (f File) DocumentID() string {
	name := f.UUID
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name = name[:i]
	}
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	return name
}

// Extension はリーフ名の拡張子を返します（拡張子なしのトップレベルエントリは空文字）
func (f File) Extension() string {
	name := f.UUID
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return ""
}

// Index はスキーマバージョンとエントリ列からなるインデックスブロブの内容
type Index struct {
	Schema int
	Files  []File
}

// ----------------------------------------------------------------
// インデックスブロブのコーデック
// ----------------------------------------------------------------

// ParseIndex はインデックスブロブのテキストを解析します
// 1行目はスキーマバージョン、以降は hash:0:uuid:count:size の5フィールド行
func ParseIndex(data []byte) (*Index, error) {
	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, fmt.Errorf("%w: empty index blob", ErrIntegrity)
	}

	schema, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid schema line %q", ErrIntegrity, lines[0])
	}
	if schema != IndexSchemaVersion {
		return nil, fmt.Errorf("%w: unsupported index schema %d", ErrIntegrity, schema)
	}

	index := &Index{Schema: schema}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		entry, err := parseIndexLine(line)
		if err != nil {
			return nil, err
		}
		index.Files = append(index.Files, entry)
	}

	return index, nil
}

// parseIndexLine は1エントリ行を解析します
func parseIndexLine(line string) (File, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 5 {
		return File{}, fmt.Errorf("%w: malformed index line %q", ErrIntegrity, line)
	}

	hash := Hash(fields[0])
	if !hash.Valid() {
		return File{}, fmt.Errorf("%w: invalid hash in index line %q", ErrIntegrity, line)
	}
	if fields[2] == "" {
		return File{}, fmt.Errorf("%w: empty uuid in index line %q", ErrIntegrity, line)
	}

	count, err := strconv.Atoi(fields[3])
	if err != nil || count < 0 {
		return File{}, fmt.Errorf("%w: invalid entry count in index line %q", ErrIntegrity, line)
	}
	size, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil || size < 0 {
		return File{}, fmt.Errorf("%w: invalid size in index line %q", ErrIntegrity, line)
	}

	return File{
		Hash:         hash,
		UUID:         fields[2],
		ContentCount: count,
		Size:         size,
	}, nil
}

// ParseVerifiedIndex はフェッチ時ハッシュと内容ハッシュの一致を確認した上で解析します
func ParseVerifiedIndex(data []byte, expected Hash) (*Index, error) {
	if actual := ComputeHash(data); actual != expected {
		return nil, fmt.Errorf("%w: index blob hash mismatch (expected %s, got %s)", ErrIntegrity, expected, actual)
	}
	return ParseIndex(data)
}

// Serialize はインデックスをワイヤーフォーマットへ直列化します
// 各行は改行で終端し、パッド位置には常にリテラル0を書く
func (x *Index) Serialize() []byte {
	var b strings.Builder
	b.WriteString(strconv.Itoa(x.Schema))
	b.WriteByte('\n')
	for _, f := range x.Files {
		b.WriteString(string(f.Hash))
		b.WriteString(":0:")
		b.WriteString(f.UUID)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(f.ContentCount))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(f.Size, 10))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// ContentHash は直列化結果のハッシュを返します
func (x *Index) ContentHash() Hash {
	return ComputeHash(x.Serialize())
}

// Lookup はUUIDでエントリを探します
func (x *Index) Lookup(uuid string) (File, bool) {
	for _, f := range x.Files {
		if f.UUID == uuid {
			return f, true
		}
	}
	return File{}, false
}

// Splice はアップロード対象のエントリを挿入・置換し、削除対象のUUIDを除外した
// 新しいインデックスを返します。同一UUIDの重複行は後勝ちで1つに畳まれる
func (x *Index) Splice(upserts []File, deletes map[string]bool) *Index {
	merged := make(map[string]File, len(x.Files)+len(upserts))
	order := make([]string, 0, len(x.Files)+len(upserts))

	record := func(f File) {
		if _, seen := merged[f.UUID]; !seen {
			order = append(order, f.UUID)
		}
		merged[f.UUID] = f
	}
	for _, f := range x.Files {
		record(f)
	}
	for _, f := range upserts {
		record(f)
	}

	result := &Index{Schema: x.Schema}
	for _, uuid := range order {
		if deletes[uuid] {
			continue
		}
		result.Files = append(result.Files, merged[uuid])
	}
	return result
}
