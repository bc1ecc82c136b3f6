package backend

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Metadata はドキュメント・コレクション共通のメタデータ (.metadataブロブのJSON)
// サーバー側で追加された未知フィールドはExtraに保持し、再アップロード時にそのまま書き戻す
type Metadata struct {
	Type             string `json:"type"`
	VisibleName      string `json:"visibleName"`
	Parent           string `json:"parent"`
	CreatedTime      string `json:"createdTime,omitempty"`
	LastModified     string `json:"lastModified"`
	LastOpened       string `json:"lastOpened,omitempty"`
	LastOpenedPage   int    `json:"lastOpenedPage,omitempty"`
	Pinned           bool   `json:"pinned"`
	MetadataModified bool   `json:"metadatamodified,omitempty"`
	Modified         bool   `json:"modified,omitempty"`
	Synced           bool   `json:"synced,omitempty"`
	Version          int    `json:"version,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// metadataKnownKeys は型付きフィールドに対応するJSONキー
var metadataKnownKeys = map[string]bool{
	"type": true, "visibleName": true, "parent": true,
	"createdTime": true, "lastModified": true, "lastOpened": true,
	"lastOpenedPage": true, "pinned": true, "metadatamodified": true,
	"modified": true, "synced": true, "version": true,
}

// ParseMetadata は.metadataブロブのJSONを解析します
func ParseMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	type plain Metadata
	if err := json.Unmarshal(data, (*plain)(&m)); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	extra, err := collectExtras(data, metadataKnownKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	m.Extra = extra
	return &m, nil
}

// Serialize はメタデータをJSONへ直列化します（Extraのフィールドも書き戻す）
func (m *Metadata) Serialize() ([]byte, error) {
	type plain Metadata
	return marshalWithExtras((*plain)(m), m.Extra)
}

// IsCollection はコレクションかどうかを返します
func (m *Metadata) IsCollection() bool {
	return m.Type == CollectionType
}

// Trashed はゴミ箱に入っているかどうかを返します
func (m *Metadata) Trashed() bool {
	return m.Parent == ParentTrash
}

// Touch は最終更新時刻を現在時刻に更新します
func (m *Metadata) Touch() {
	m.LastModified = nowEpochMillis()
}

// NewDocumentMetadata は新規ドキュメント用のメタデータを作成します
func NewDocumentMetadata(visibleName, parent string) *Metadata {
	now := nowEpochMillis()
	return &Metadata{
		Type:         DocumentType,
		VisibleName:  visibleName,
		Parent:       parent,
		CreatedTime:  now,
		LastModified: now,
		Version:      1,
		Synced:       true,
	}
}

// NewCollectionMetadata は新規コレクション用のメタデータを作成します
func NewCollectionMetadata(visibleName, parent string) *Metadata {
	now := nowEpochMillis()
	return &Metadata{
		Type:         CollectionType,
		VisibleName:  visibleName,
		Parent:       parent,
		CreatedTime:  now,
		LastModified: now,
		Version:      1,
		Synced:       true,
	}
}

// nowEpochMillis は現在時刻をエポックミリ秒の文字列で返します（ワイヤー上の時刻表現）
func nowEpochMillis() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// ----------------------------------------------------------------
// 未知フィールドの保持
// ----------------------------------------------------------------

// collectExtras はJSONオブジェクトから既知キー以外のフィールドを集めます
func collectExtras(data []byte, known map[string]bool) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	for k, v := range all {
		if known[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}
	return extra, nil
}

// marshalWithExtras は型付きフィールドと保持フィールドをマージして直列化します
// 型付きフィールドが優先され、Extraは不足分のみ補う
func marshalWithExtras(v interface{}, extra map[string]json.RawMessage) ([]byte, error) {
	base, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, exists := merged[k]; !exists {
			merged[k] = raw
		}
	}
	return json.Marshal(merged)
}
