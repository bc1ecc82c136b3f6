package backend

import (
	"context"
	"strconv"
	"sync"
)

// ----------------------------------------------------------------
// 拡張ホスト
// 拡張には生のポインタを渡さず、型タグ付きのアクセサだけを渡す。
// エラーもそのまま越境させず、結果コードに変換して返す。
// ----------------------------------------------------------------

// AccessorKind はアクセサが指すオブジェクトの種別
type AccessorKind string

const (
	AccessorDocument        AccessorKind = "document"
	AccessorCollection      AccessorKind = "collection"
	AccessorMetadataBuilder AccessorKind = "metadataBuilder"
	AccessorContentBuilder  AccessorKind = "contentBuilder"
)

// Accessor は境界を越えるオブジェクト参照
// 永続オブジェクトはUUID、一時ビルダーは整数ハンドルで識別する
// プロセス内でのみ有効で、再起動をまたいで持ち越せない
type Accessor struct {
	Kind   AccessorKind `json:"kind"`
	UUID   string       `json:"uuid,omitempty"`
	Handle int          `json:"handle,omitempty"`
}

// HostResult は拡張境界の結果コード
type HostResult int

const (
	HostOK HostResult = iota
	HostNotFound
	HostInvalidAccessor
	HostInvalidArgument
	HostOperationFailed
	HostKeyDenied
)

// EntityInfo は永続オブジェクトの読み取り用スナップショット
type EntityInfo struct {
	UUID        string `json:"uuid"`
	VisibleName string `json:"visibleName"`
	Parent      string `json:"parent"`
	Type        string `json:"type"`
	FileType    string `json:"fileType,omitempty"`
	PageCount   int    `json:"pageCount,omitempty"`
	Pinned      bool   `json:"pinned"`
	Available   bool   `json:"available"`
}

// UIHook は拡張が登録する不透明なコールバック
// エンジンはイベントを渡すだけで中身には関知しない
type UIHook func(event Event)

// ExtensionHost は拡張に公開するエンジン操作のインターフェース
type ExtensionHost interface {
	// 読み取り
	Root() []Accessor
	Describe(accessor Accessor) (EntityInfo, HostResult)
	Children(accessor Accessor) ([]Accessor, HostResult)

	// ビルダー
	NewMetadataBuilder() Accessor
	MetadataSetName(accessor Accessor, visibleName string) HostResult
	MetadataSetParent(accessor Accessor, parent string) HostResult
	MetadataSetPinned(accessor Accessor, pinned bool) HostResult
	NewContentBuilder() Accessor
	ContentSetFileType(accessor Accessor, fileType string) HostResult
	ReleaseBuilder(accessor Accessor) HostResult

	// ドキュメント構築とアップロード
	BuildDocument(metadata, content Accessor, payload []byte) (Accessor, HostResult)
	UploadOne(accessor Accessor, done func(HostResult)) HostResult
	UploadMany(accessors []Accessor, done func(HostResult)) HostResult
	DeleteOne(accessor Accessor, done func(HostResult)) HostResult
	DeleteMany(accessors []Accessor, done func(HostResult)) HostResult

	// 設定
	ConfigGet(key string) (string, HostResult)
	ConfigSet(key, value string) HostResult

	// UIフック
	RegisterUIHook(name string, hook UIHook) HostResult
	UnregisterUIHook(name string) HostResult
}

// 拡張から読めるキーと書けるキー
var (
	hostReadableKeys = map[string]bool{
		"uri":                         true,
		"discovery_uri":               true,
		"wait_for_everything_to_load": true,
		"download_everything":         true,
		"max_concurrent_downloads":    true,
	}
	hostWritableKeys = map[string]bool{
		"wait_for_everything_to_load": true,
		"download_everything":         true,
	}
)

type extensionHostImpl struct {
	ctx     context.Context
	engine  *Engine
	updates *UpdateQueue
	store   *DocumentStore
	config  *Config
	bus     EventBus
	logger  EngineLogger

	mu               sync.Mutex
	nextHandle       int
	metadataBuilders map[int]*Metadata
	contentBuilders  map[int]*Content
	uiHooks          map[string]UIHook
}

// NewExtensionHost は新しいExtensionHostインスタンスを作成
func NewExtensionHost(ctx context.Context, engine *Engine, updates *UpdateQueue, store *DocumentStore, config *Config, bus EventBus, logger EngineLogger) ExtensionHost {
	return &extensionHostImpl{
		ctx:              ctx,
		engine:           engine,
		updates:          updates,
		store:            store,
		config:           config,
		bus:              bus,
		logger:           logger,
		nextHandle:       1,
		metadataBuilders: make(map[int]*Metadata),
		contentBuilders:  make(map[int]*Content),
		uiHooks:          make(map[string]UIHook),
	}
}

// ----------------------------------------------------------------
// 読み取り
// ----------------------------------------------------------------

func (h *extensionHostImpl) Root() []Accessor {
	return h.childAccessors("")
}

func (h *extensionHostImpl) Children(accessor Accessor) ([]Accessor, HostResult) {
	if accessor.Kind != AccessorCollection {
		return nil, HostInvalidAccessor
	}
	if _, ok := h.store.Collection(accessor.UUID); !ok {
		return nil, HostNotFound
	}
	return h.childAccessors(accessor.UUID), HostOK
}

func (h *extensionHostImpl) childAccessors(parent string) []Accessor {
	var accessors []Accessor
	for _, collection := range h.store.ChildCollections(parent) {
		accessors = append(accessors, Accessor{Kind: AccessorCollection, UUID: collection.UUID})
	}
	for _, document := range h.store.ChildDocuments(parent) {
		accessors = append(accessors, Accessor{Kind: AccessorDocument, UUID: document.UUID})
	}
	return accessors
}

func (h *extensionHostImpl) Describe(accessor Accessor) (EntityInfo, HostResult) {
	switch accessor.Kind {
	case AccessorDocument:
		document, ok := h.store.Document(accessor.UUID)
		if !ok {
			return EntityInfo{}, HostNotFound
		}
		return EntityInfo{
			UUID:        document.UUID,
			VisibleName: document.Metadata.VisibleName,
			Parent:      document.Metadata.Parent,
			Type:        DocumentType,
			FileType:    document.Content.FileType,
			PageCount:   len(document.Content.CPages.Pages),
			Pinned:      document.Metadata.Pinned,
			Available:   h.store.Available(document),
		}, HostOK
	case AccessorCollection:
		collection, ok := h.store.Collection(accessor.UUID)
		if !ok {
			return EntityInfo{}, HostNotFound
		}
		return EntityInfo{
			UUID:        collection.UUID,
			VisibleName: collection.Metadata.VisibleName,
			Parent:      collection.Metadata.Parent,
			Type:        CollectionType,
			Pinned:      collection.Metadata.Pinned,
		}, HostOK
	default:
		return EntityInfo{}, HostInvalidAccessor
	}
}

// ----------------------------------------------------------------
// ビルダー
// ----------------------------------------------------------------

func (h *extensionHostImpl) NewMetadataBuilder() Accessor {
	h.mu.Lock()
	defer h.mu.Unlock()
	handle := h.nextHandle
	h.nextHandle++
	h.metadataBuilders[handle] = NewDocumentMetadata("", "")
	return Accessor{Kind: AccessorMetadataBuilder, Handle: handle}
}

func (h *extensionHostImpl) NewContentBuilder() Accessor {
	h.mu.Lock()
	defer h.mu.Unlock()
	handle := h.nextHandle
	h.nextHandle++
	h.contentBuilders[handle] = NewContent(FileTypeNotebook)
	return Accessor{Kind: AccessorContentBuilder, Handle: handle}
}

func (h *extensionHostImpl) metadataBuilder(accessor Accessor) (*Metadata, HostResult) {
	if accessor.Kind != AccessorMetadataBuilder {
		return nil, HostInvalidAccessor
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	builder, ok := h.metadataBuilders[accessor.Handle]
	if !ok {
		return nil, HostNotFound
	}
	return builder, HostOK
}

func (h *extensionHostImpl) MetadataSetName(accessor Accessor, visibleName string) HostResult {
	builder, result := h.metadataBuilder(accessor)
	if result != HostOK {
		return result
	}
	builder.VisibleName = visibleName
	return HostOK
}

func (h *extensionHostImpl) MetadataSetParent(accessor Accessor, parent string) HostResult {
	builder, result := h.metadataBuilder(accessor)
	if result != HostOK {
		return result
	}
	builder.Parent = parent
	return HostOK
}

func (h *extensionHostImpl) MetadataSetPinned(accessor Accessor, pinned bool) HostResult {
	builder, result := h.metadataBuilder(accessor)
	if result != HostOK {
		return result
	}
	builder.Pinned = pinned
	return HostOK
}

func (h *extensionHostImpl) ContentSetFileType(accessor Accessor, fileType string) HostResult {
	if accessor.Kind != AccessorContentBuilder {
		return HostInvalidAccessor
	}
	if fileType != FileTypeNotebook && fileType != FileTypePDF && fileType != FileTypeEPUB {
		return HostInvalidArgument
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	builder, ok := h.contentBuilders[accessor.Handle]
	if !ok {
		return HostNotFound
	}
	builder.FileType = fileType
	return HostOK
}

func (h *extensionHostImpl) ReleaseBuilder(accessor Accessor) HostResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch accessor.Kind {
	case AccessorMetadataBuilder:
		if _, ok := h.metadataBuilders[accessor.Handle]; !ok {
			return HostNotFound
		}
		delete(h.metadataBuilders, accessor.Handle)
	case AccessorContentBuilder:
		if _, ok := h.contentBuilders[accessor.Handle]; !ok {
			return HostNotFound
		}
		delete(h.contentBuilders, accessor.Handle)
	default:
		return HostInvalidAccessor
	}
	return HostOK
}

// ----------------------------------------------------------------
// ドキュメント構築とアップロード
// ----------------------------------------------------------------

// BuildDocument はビルダーとペイロードから新しいドキュメントを組み立てる
// 組み立てたドキュメントはローカルに登録され、アップロードは別途UploadOneで行う
// 使い終わったビルダーは解放される
func (h *extensionHostImpl) BuildDocument(metadata, content Accessor, payload []byte) (Accessor, HostResult) {
	metadataBuilder, result := h.metadataBuilder(metadata)
	if result != HostOK {
		return Accessor{}, result
	}
	if content.Kind != AccessorContentBuilder {
		return Accessor{}, HostInvalidAccessor
	}
	h.mu.Lock()
	contentBuilder, ok := h.contentBuilders[content.Handle]
	h.mu.Unlock()
	if !ok {
		return Accessor{}, HostNotFound
	}
	if metadataBuilder.VisibleName == "" {
		return Accessor{}, HostInvalidArgument
	}

	var document *Document
	switch contentBuilder.FileType {
	case FileTypeNotebook:
		document = NewNotebookDocument(metadataBuilder.VisibleName, metadataBuilder.Parent)
	case FileTypePDF:
		if len(payload) == 0 {
			return Accessor{}, HostInvalidArgument
		}
		document = NewPDFDocument(metadataBuilder.VisibleName, metadataBuilder.Parent, payload)
	case FileTypeEPUB:
		if len(payload) == 0 {
			return Accessor{}, HostInvalidArgument
		}
		document = NewEPUBDocument(metadataBuilder.VisibleName, metadataBuilder.Parent, payload)
	default:
		return Accessor{}, HostInvalidArgument
	}
	document.Metadata.Pinned = metadataBuilder.Pinned

	h.store.Upsert(document)
	h.ReleaseBuilder(metadata)
	h.ReleaseBuilder(content)
	return Accessor{Kind: AccessorDocument, UUID: document.UUID}, HostOK
}

func (h *extensionHostImpl) UploadOne(accessor Accessor, done func(HostResult)) HostResult {
	return h.UploadMany([]Accessor{accessor}, done)
}

func (h *extensionHostImpl) UploadMany(accessors []Accessor, done func(HostResult)) HostResult {
	saves := make([]string, 0, len(accessors))
	for _, accessor := range accessors {
		switch accessor.Kind {
		case AccessorDocument:
			if _, ok := h.store.Document(accessor.UUID); !ok {
				return HostNotFound
			}
		case AccessorCollection:
			if _, ok := h.store.Collection(accessor.UUID); !ok {
				return HostNotFound
			}
		default:
			return HostInvalidAccessor
		}
		saves = append(saves, accessor.UUID)
	}
	go h.runQueued(saves, nil, done)
	return HostOK
}

func (h *extensionHostImpl) DeleteOne(accessor Accessor, done func(HostResult)) HostResult {
	return h.DeleteMany([]Accessor{accessor}, done)
}

func (h *extensionHostImpl) DeleteMany(accessors []Accessor, done func(HostResult)) HostResult {
	deletes := make([]string, 0, len(accessors))
	for _, accessor := range accessors {
		if accessor.Kind != AccessorDocument && accessor.Kind != AccessorCollection {
			return HostInvalidAccessor
		}
		deletes = append(deletes, accessor.UUID)
	}
	go h.runQueued(nil, deletes, done)
	return HostOK
}

// runQueued は操作を更新キューに積んでフラッシュし、結果をコールバックで返す
// 拡張からの明示的なアップロード要求はフラッシュ契機になる。他にキュー済みの
// 変更があれば同じアップロードパスに相乗りする
func (h *extensionHostImpl) runQueued(saves, deletes []string, done func(HostResult)) {
	for _, uuid := range saves {
		h.updates.QueueSave(uuid)
	}
	for _, uuid := range deletes {
		h.updates.QueueDelete(uuid)
	}

	err := h.updates.FlushAndWait()
	if err != nil {
		h.logger.Error(err, "extension upload failed")
	}
	if done == nil {
		return
	}
	if err != nil {
		done(HostOperationFailed)
	} else {
		done(HostOK)
	}
}

// ----------------------------------------------------------------
// 設定とUIフック
// ----------------------------------------------------------------

func (h *extensionHostImpl) ConfigGet(key string) (string, HostResult) {
	if !hostReadableKeys[key] {
		return "", HostKeyDenied
	}
	switch key {
	case "uri":
		return h.config.URI, HostOK
	case "discovery_uri":
		return h.config.DiscoveryURI, HostOK
	case "wait_for_everything_to_load":
		return strconv.FormatBool(h.config.WaitForEverythingToLoad), HostOK
	case "download_everything":
		return strconv.FormatBool(h.config.DownloadEverything), HostOK
	case "max_concurrent_downloads":
		return strconv.Itoa(h.config.MaxConcurrentDownloads), HostOK
	}
	return "", HostKeyDenied
}

func (h *extensionHostImpl) ConfigSet(key, value string) HostResult {
	if !hostWritableKeys[key] {
		return HostKeyDenied
	}
	enabled := value == "true"
	if value != "true" && value != "false" {
		return HostInvalidArgument
	}
	switch key {
	case "wait_for_everything_to_load":
		h.config.WaitForEverythingToLoad = enabled
	case "download_everything":
		h.config.DownloadEverything = enabled
	}
	return HostOK
}

func (h *extensionHostImpl) RegisterUIHook(name string, hook UIHook) HostResult {
	if name == "" || hook == nil {
		return HostInvalidArgument
	}
	h.mu.Lock()
	if _, exists := h.uiHooks[name]; exists {
		h.mu.Unlock()
		return HostInvalidArgument
	}
	h.uiHooks[name] = hook
	h.mu.Unlock()

	h.bus.Subscribe("extension:"+name, func(e Event) {
		hook(e)
	})
	return HostOK
}

func (h *extensionHostImpl) UnregisterUIHook(name string) HostResult {
	h.mu.Lock()
	_, exists := h.uiHooks[name]
	delete(h.uiHooks, name)
	h.mu.Unlock()
	if !exists {
		return HostNotFound
	}
	h.bus.Unsubscribe("extension:" + name)
	return HostOK
}
