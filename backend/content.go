package backend

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ContentFormatVersion は読み書きに対応しているcontentフォーマットバージョン
// v1は読み書きとも拒否する（移行パスが入るまでは型付きエラーを返すのみ）
const ContentFormatVersion = 2

// TimestampedString はタイムスタンプ付きの文字列値（CRDT的な更新順序キー）
type TimestampedString struct {
	Timestamp string `json:"timestamp"`
	Value     string `json:"value"`
}

// TimestampedInt はタイムスタンプ付きの整数値
type TimestampedInt struct {
	Timestamp string `json:"timestamp"`
	Value     int    `json:"value"`
}

// Tag はドキュメントまたはページに付くタグ
type Tag struct {
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// CPagesUUID はページ群の著者来歴マーカー。意味は未文書化のため内容をそのまま保持する
type CPagesUUID struct {
	First  string `json:"first"`
	Second int    `json:"second"`
}

// Page はドキュメント内の1ページの記述子
// Redirectが設定されている場合、そのページは背後のPDF/EPUBページへリダイレクトする
type Page struct {
	ID       string            `json:"id"`
	Index    TimestampedString `json:"idx"`
	Template *TimestampedString `json:"template,omitempty"`
	Redirect *TimestampedInt   `json:"redir,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var pageKnownKeys = map[string]bool{
	"id": true, "idx": true, "template": true, "redir": true,
}

func (p *Page) UnmarshalJSON(data []byte) error {
	type plain Page
	if err := json.Unmarshal(data, (*plain)(p)); err != nil {
		return err
	}
	extra, err := collectExtras(data, pageKnownKeys)
	if err != nil {
		return err
	}
	p.Extra = extra
	return nil
}

func (p Page) MarshalJSON() ([]byte, error) {
	type plain Page
	return marshalWithExtras(plain(p), p.Extra)
}

// CPages はページリストとページ関連の付帯情報
type CPages struct {
	Pages      []Page            `json:"pages"`
	Original   TimestampedInt    `json:"original"`
	LastOpened TimestampedString `json:"lastOpened"`
	UUIDs      []CPagesUUID      `json:"uuids,omitempty"`
}

// Content はドキュメントのペイロード記述 (.contentブロブのJSON v2)
type Content struct {
	FormatVersion   int    `json:"formatVersion"`
	FileType        string `json:"fileType"`
	CoverPageNumber int    `json:"coverPageNumber"`
	Orientation     string `json:"orientation,omitempty"`
	Zoom            string `json:"zoom,omitempty"`
	Tags            []Tag  `json:"tags"`
	DummyDocument   bool   `json:"dummyDocument"`
	SizeInBytes     string `json:"sizeInBytes,omitempty"`
	CPages          CPages `json:"cPages"`

	Extra map[string]json.RawMessage `json:"-"`
}

var contentKnownKeys = map[string]bool{
	"formatVersion": true, "fileType": true, "coverPageNumber": true,
	"orientation": true, "zoom": true, "tags": true,
	"dummyDocument": true, "sizeInBytes": true, "cPages": true,
}

// ParseContent は.contentブロブのJSONを解析します
// 対応バージョンはv2のみ。v1はErrUnsupportedFormatを返す
func ParseContent(data []byte) (*Content, error) {
	var c Content
	type plain Content
	if err := json.Unmarshal(data, (*plain)(&c)); err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}
	if c.FormatVersion != ContentFormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, c.FormatVersion)
	}
	extra, err := collectExtras(data, contentKnownKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}
	c.Extra = extra
	c.SortPages()
	return &c, nil
}

// Serialize はコンテンツをJSONへ直列化します。v2以外の書き出しは拒否する
func (c *Content) Serialize() ([]byte, error) {
	if c.FormatVersion != ContentFormatVersion {
		return nil, fmt.Errorf("%w: refusing to write version %d", ErrUnsupportedFormat, c.FormatVersion)
	}
	type plain Content
	return marshalWithExtras((*plain)(c), c.Extra)
}

// SortPages はページ列を順序キーの昇順に並べ替えます
// idx.valueで比較し、同値の場合はidx.timestampで決める
func (c *Content) SortPages() {
	sort.SliceStable(c.CPages.Pages, func(i, j int) bool {
		a, b := c.CPages.Pages[i].Index, c.CPages.Pages[j].Index
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		return a.Timestamp < b.Timestamp
	})
}

// PageCount はページ数を返します
func (c *Content) PageCount() int {
	return len(c.CPages.Pages)
}

// NewContent は新規ドキュメント用のコンテンツを作成します
func NewContent(fileType string) *Content {
	return &Content{
		FormatVersion: ContentFormatVersion,
		FileType:      fileType,
		Tags:          []Tag{},
		CPages: CPages{
			Pages:      []Page{},
			Original:   TimestampedInt{Timestamp: "1:1", Value: -1},
			LastOpened: TimestampedString{Timestamp: "1:1"},
		},
	}
}
