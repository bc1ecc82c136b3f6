package backend

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Document は1ドキュメントの完全なモデル
// メタデータ・コンテンツ・リーフファイルのエントリ列を所有する
type Document struct {
	UUID     string
	Metadata *Metadata
	Content  *Content
	Files    []File // ドキュメントインデックスのリーフエントリ
	// IndexHash は最後に観測または書き込んだドキュメントインデックスのハッシュ
	IndexHash Hash

	// アップロード前の未保存ペイロード（リーフUUID→内容）
	payloads map[string]FileHandle

	mu          sync.Mutex
	downloading bool
}

// DocumentCollection はコレクション（フォルダ）のモデル
type DocumentCollection struct {
	UUID     string
	Metadata *Metadata
	Tags     []Tag
	// IndexHash は最後に観測または書き込んだインデックスのハッシュ
	IndexHash Hash
}

// VisibleName は表示名を返します
func (d *Document) VisibleName() string {
	return d.Metadata.VisibleName
}

// Parent は所属コレクションのUUID（または"trash"、ルートは空文字）を返します
func (d *Document) Parent() string {
	return d.Metadata.Parent
}

// Trashed はゴミ箱に入っているかどうかを返します
func (d *Document) Trashed() bool {
	return d.Metadata.Trashed()
}

// ContentFiles はオフライン利用に必要なリーフファイルのUUID一覧を返します
func (d *Document) ContentFiles() []string {
	uuids := make([]string, 0, len(d.Files))
	for _, f := range d.Files {
		uuids = append(uuids, f.UUID)
	}
	return uuids
}

// FileByUUID はリーフエントリをUUIDで探します
func (d *Document) FileByUUID(leafUUID string) (File, bool) {
	for _, f := range d.Files {
		if f.UUID == leafUUID {
			return f, true
		}
	}
	return File{}, false
}

// Downloading はリーフフェッチが進行中かどうかを返します
func (d *Document) Downloading() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.downloading
}

func (d *Document) setDownloading(downloading bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.downloading = downloading
}

// AttachPayload はアップロード前のペイロードをリーフUUIDに紐付けます
func (d *Document) AttachPayload(leafUUID string, handle FileHandle) {
	if d.payloads == nil {
		d.payloads = make(map[string]FileHandle)
	}
	d.payloads[leafUUID] = handle
}

// Payload は未保存ペイロードを返します
func (d *Document) Payload(leafUUID string) (FileHandle, bool) {
	h, ok := d.payloads[leafUUID]
	return h, ok
}

// ----------------------------------------------------------------
// インデックスからの構築
// ----------------------------------------------------------------

// BuildEntity はルートインデックスのトップレベルエントリからエンティティを構築します
// .metadataのtypeで分岐し、DocumentまたはDocumentCollectionのどちらか一方を返す
// getBlobはハッシュ検証済みのブロブ取得クロージャ
func BuildEntity(entry File, docIndex *Index, getBlob func(File) ([]byte, error)) (*Document, *DocumentCollection, error) {
	var metaFile, contentFile File
	var hasMeta, hasContent bool
	for _, f := range docIndex.Files {
		switch {
		case strings.HasSuffix(f.UUID, ".metadata"):
			metaFile, hasMeta = f, true
		case strings.HasSuffix(f.UUID, ".content"):
			contentFile, hasContent = f, true
		}
	}
	if !hasMeta {
		return nil, nil, fmt.Errorf("%w: entry %s has no metadata file", ErrIntegrity, entry.UUID)
	}

	metaData, err := getBlob(metaFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch metadata for %s: %w", entry.UUID, err)
	}
	metadata, err := ParseMetadata(metaData)
	if err != nil {
		return nil, nil, err
	}

	var content *Content
	if hasContent {
		contentData, err := getBlob(contentFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to fetch content for %s: %w", entry.UUID, err)
		}
		content, err = ParseContent(contentData)
		if err != nil {
			return nil, nil, err
		}
	}

	if metadata.IsCollection() {
		collection := &DocumentCollection{
			UUID:      entry.UUID,
			Metadata:  metadata,
			IndexHash: entry.Hash,
		}
		if content != nil {
			collection.Tags = content.Tags
		}
		return nil, collection, nil
	}

	if content == nil {
		return nil, nil, fmt.Errorf("%w: document %s has no content file", ErrIntegrity, entry.UUID)
	}

	document := &Document{
		UUID:      entry.UUID,
		Metadata:  metadata,
		Content:   content,
		Files:     append([]File(nil), docIndex.Files...),
		IndexHash: entry.Hash,
	}
	return document, nil, nil
}

// ----------------------------------------------------------------
// アップロード用の書き出し
// ----------------------------------------------------------------

// BlobUpload はアップロード対象の1ブロブ
type BlobUpload struct {
	Hash Hash
	UUID string
	Data FileHandle
}

// DocumentExport はExportの結果。新しいドキュメントインデックスと
// ルートに挿入するトップレベルエントリ、PUTすべきブロブ群からなる
type DocumentExport struct {
	Entry     File
	Index     *Index
	IndexData []byte
	Blobs     []BlobUpload
}

// Export は現在のフィールドからメタデータ・コンテンツを再直列化し、
// 新しいドキュメントインデックスを組み立てます
// 変更されていないリーフ（PDF本体やページファイル）はハッシュを据え置き、再アップロードしない
func (d *Document) Export() (*DocumentExport, error) {
	metaData, err := d.Metadata.Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize metadata for %s: %w", d.UUID, err)
	}
	contentData, err := d.Content.Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize content for %s: %w", d.UUID, err)
	}

	metaLeaf := File{
		Hash: ComputeHash(metaData),
		UUID: d.UUID + ".metadata",
		Size: int64(len(metaData)),
	}
	contentLeaf := File{
		Hash: ComputeHash(contentData),
		UUID: d.UUID + ".content",
		Size: int64(len(contentData)),
	}

	export := &DocumentExport{
		Blobs: []BlobUpload{
			{Hash: metaLeaf.Hash, UUID: metaLeaf.UUID, Data: NewMemoryFile(metaData)},
			{Hash: contentLeaf.Hash, UUID: contentLeaf.UUID, Data: NewMemoryFile(contentData)},
		},
	}

	files := []File{metaLeaf, contentLeaf}
	for _, f := range d.Files {
		if strings.HasSuffix(f.UUID, ".metadata") || strings.HasSuffix(f.UUID, ".content") {
			continue
		}
		files = append(files, f)
	}

	// 新規ペイロードを取り込む（既存エントリと同名の場合は置き換え）
	for leafUUID, handle := range d.payloads {
		hash, err := handle.ContentHash()
		if err != nil {
			return nil, fmt.Errorf("failed to hash payload %s: %w", leafUUID, err)
		}
		size, err := handle.Size()
		if err != nil {
			return nil, fmt.Errorf("failed to size payload %s: %w", leafUUID, err)
		}
		leaf := File{Hash: hash, UUID: leafUUID, Size: size}

		replaced := false
		for i := range files {
			if files[i].UUID == leafUUID {
				files[i] = leaf
				replaced = true
				break
			}
		}
		if !replaced {
			files = append(files, leaf)
		}
		export.Blobs = append(export.Blobs, BlobUpload{Hash: hash, UUID: leafUUID, Data: handle})
	}

	// インデックスの行順を決定的にする
	sort.Slice(files, func(i, j int) bool { return files[i].UUID < files[j].UUID })

	export.Index = &Index{Schema: IndexSchemaVersion, Files: files}
	export.IndexData = export.Index.Serialize()

	var totalSize int64
	for _, f := range files {
		totalSize += f.Size
	}
	export.Entry = File{
		Hash:         ComputeHash(export.IndexData),
		UUID:         d.UUID,
		ContentCount: len(files),
		Size:         totalSize,
	}
	return export, nil
}

// Export はコレクションをドキュメントと同じ形で書き出します
// コレクションのインデックスは .metadata と .content（タグのみ）の2行
func (c *DocumentCollection) Export() (*DocumentExport, error) {
	doc := &Document{
		UUID:     c.UUID,
		Metadata: c.Metadata,
		Content:  collectionContent(c.Tags),
	}
	return doc.Export()
}

// collectionContent はコレクション用の最小コンテンツを作ります
func collectionContent(tags []Tag) *Content {
	c := NewContent("")
	if tags != nil {
		c.Tags = tags
	}
	return c
}

// ----------------------------------------------------------------
// 新規作成と複製
// ----------------------------------------------------------------

// NewNotebookDocument は空のノートブックを作成します（1ページ）
func NewNotebookDocument(visibleName, parent string) *Document {
	content := NewContent(FileTypeNotebook)
	pageID := uuid.New().String()
	content.CPages.Pages = append(content.CPages.Pages, Page{
		ID:       pageID,
		Index:    TimestampedString{Timestamp: "1:2", Value: "ba"},
		Template: &TimestampedString{Timestamp: "1:2", Value: "Blank"},
	})

	doc := &Document{
		UUID:     uuid.New().String(),
		Metadata: NewDocumentMetadata(visibleName, parent),
		Content:  content,
	}
	doc.AttachPayload(doc.UUID+".pagedata", NewMemoryFile([]byte("Blank\n")))
	return doc
}

// NewPDFDocument はPDFペイロードからドキュメントを作成します
// 各ページは背後のPDFページへのリダイレクトとして構成される
func NewPDFDocument(visibleName, parent string, payload []byte) *Document {
	return newPayloadDocument(visibleName, parent, FileTypePDF, "pdf", payload, countPDFPages(payload))
}

// NewEPUBDocument はEPUBペイロードからドキュメントを作成します
// ページはデバイス側のリフロー後に確定するため、ここではページを作らない
func NewEPUBDocument(visibleName, parent string, payload []byte) *Document {
	return newPayloadDocument(visibleName, parent, FileTypeEPUB, "epub", payload, 0)
}

func newPayloadDocument(visibleName, parent, fileType, ext string, payload []byte, pageCount int) *Document {
	content := NewContent(fileType)
	content.SizeInBytes = fmt.Sprintf("%d", len(payload))

	var pagedata strings.Builder
	for i := 0; i < pageCount; i++ {
		redirect := i
		content.CPages.Pages = append(content.CPages.Pages, Page{
			ID:       uuid.New().String(),
			Index:    TimestampedString{Timestamp: "1:2", Value: fractionalIndex(i)},
			Template: &TimestampedString{Timestamp: "1:2", Value: "Blank"},
			Redirect: &TimestampedInt{Timestamp: "1:2", Value: redirect},
		})
		pagedata.WriteString("Blank\n")
	}

	doc := &Document{
		UUID:     uuid.New().String(),
		Metadata: NewDocumentMetadata(visibleName, parent),
		Content:  content,
	}
	doc.AttachPayload(doc.UUID+"."+ext, NewMemoryFile(payload))
	doc.AttachPayload(doc.UUID+".pagedata", NewMemoryFile([]byte(pagedata.String())))
	return doc
}

// fractionalIndex はi番目のページの順序キーを生成します
// 既存ページの間への挿入はここでは不要なので、辞書順が保たれる単純な系列でよい
func fractionalIndex(i int) string {
	const digits = "abcdefghijklmnopqrstuvwxyz"
	var b strings.Builder
	b.WriteByte('b')
	for i >= len(digits) {
		b.WriteByte(digits[len(digits)-1])
		i -= len(digits)
	}
	b.WriteByte(digits[i])
	return b.String()
}

// countPDFPages はPDFのページ数を概算します
// ページツリーの /Type /Page オブジェクトを数える（/Pages ノードは除外）
func countPDFPages(payload []byte) int {
	count := 0
	s := string(payload)
	for i := 0; ; {
		j := strings.Index(s[i:], "/Type")
		if j < 0 {
			break
		}
		i += j + len("/Type")
		rest := strings.TrimLeft(s[i:], " \r\n\t")
		if strings.HasPrefix(rest, "/Pages") {
			continue
		}
		if strings.HasPrefix(rest, "/Page") {
			count++
		}
	}
	if count == 0 {
		count = 1
	}
	return count
}

// Duplicate はドキュメントの複製を作成します
// 自身と全リーフに新しいUUIDを振り直し、ブロブ内容はキャッシュから読み出して引き継ぐ
// ハッシュは実際のバイト列から再導出される（内容が同じリーフは同じハッシュに落ちる）
func (d *Document) Duplicate(load func(Hash) ([]byte, error)) (*Document, error) {
	newUUID := uuid.New().String()

	metaCopy := *d.Metadata
	metaCopy.VisibleName = d.Metadata.VisibleName + " copy"
	metaCopy.Touch()

	contentData, err := d.Content.Serialize()
	if err != nil {
		return nil, err
	}
	contentCopy, err := ParseContent(contentData)
	if err != nil {
		return nil, err
	}

	// ページIDを振り直し、旧ID→新IDの対応を控えておく
	pageIDs := make(map[string]string, len(contentCopy.CPages.Pages))
	for i := range contentCopy.CPages.Pages {
		oldID := contentCopy.CPages.Pages[i].ID
		pageIDs[oldID] = uuid.New().String()
		contentCopy.CPages.Pages[i].ID = pageIDs[oldID]
	}

	dup := &Document{
		UUID:     newUUID,
		Metadata: &metaCopy,
		Content:  contentCopy,
	}

	for _, f := range d.Files {
		ext := f.Extension()
		if ext == "metadata" || ext == "content" {
			continue
		}
		data, err := load(f.Hash)
		if err != nil {
			return nil, fmt.Errorf("failed to load leaf %s for duplication: %w", f.UUID, err)
		}

		leafUUID := ""
		if ext == "rm" && strings.Contains(f.UUID, "/") {
			// ページファイルは新しいドキュメントUUIDと新しいページUUIDで名前を付け直す
			oldPage := strings.TrimSuffix(f.UUID[strings.IndexByte(f.UUID, '/')+1:], ".rm")
			newPage, ok := pageIDs[oldPage]
			if !ok {
				newPage = uuid.New().String()
			}
			leafUUID = newUUID + "/" + newPage + ".rm"
		} else {
			leafUUID = newUUID + "." + ext
		}
		dup.AttachPayload(leafUUID, NewMemoryFile(data))
	}

	return dup, nil
}
