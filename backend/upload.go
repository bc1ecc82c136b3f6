package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

func newEntityID() string {
	return uuid.New().String()
}

// rootUpdateMaxAttempts はCAS衝突時にルート更新をやり直す上限
const rootUpdateMaxAttempts = 5

// UploadBatch はアップロードパス1回分の変更セット
type UploadBatch struct {
	Documents   []*Document
	Collections []*DocumentCollection
	Deletes     []string // ルートから取り除くエンティティのUUID
}

func (b UploadBatch) empty() bool {
	return len(b.Documents) == 0 && len(b.Collections) == 0 && len(b.Deletes) == 0
}

// Upload は変更セットをクラウドへ反映します
// ブロブ→ドキュメントインデックス→ルートの順で書き、最後にルートポインタをCAS更新する
// 世代衝突の場合は最新ルートを取り直して自分の変更を差し込み直す（ブロブの再アップロードは不要）
func (e *Engine) Upload(ctx context.Context, batch UploadBatch) error {
	if batch.empty() {
		return nil
	}
	if e.isStopped() {
		return ErrEngineStopped
	}

	e.passMu.Lock()
	defer e.passMu.Unlock()

	e.bus.Publish(FileSyncProgress{Stage: StageStart})

	// 各エンティティを書き出す
	e.bus.Publish(FileSyncProgress{Stage: StageExportDocuments})
	exports := make([]*DocumentExport, 0, len(batch.Documents)+len(batch.Collections))
	for _, document := range batch.Documents {
		export, err := document.Export()
		if err != nil {
			return e.logger.Error(err, "failed to export document %s", document.UUID)
		}
		exports = append(exports, export)
	}
	for _, collection := range batch.Collections {
		export, err := collection.Export()
		if err != nil {
			return e.logger.Error(err, "failed to export collection %s", collection.UUID)
		}
		exports = append(exports, export)
	}

	// リーフブロブとドキュメントインデックスをアップロードする
	// 同一ハッシュが既にあるブロブはスキップされるため、変更のないペイロードは転送されない
	e.bus.Publish(FileSyncProgress{Stage: StageUpload, Total: len(exports)})
	for i, export := range exports {
		total := len(export.Blobs) + 1
		for n, blob := range export.Blobs {
			if _, err := e.service.UploadBlob(ctx, blob); err != nil {
				return err
			}
			e.bus.Publish(DocumentSyncProgress{
				DocumentUUID: export.Entry.UUID,
				Done:         n + 1,
				Total:        total,
				Parent:       FileSyncProgress{Done: i, Total: len(exports), Stage: StageUpload},
			})
		}
		indexUpload := BlobUpload{
			Hash: export.Entry.Hash,
			UUID: export.Entry.UUID + ".docSchema",
			Data: NewMemoryFile(export.IndexData),
		}
		if _, err := e.service.UploadBlob(ctx, indexUpload); err != nil {
			return err
		}
		e.bus.Publish(DocumentSyncProgress{
			DocumentUUID: export.Entry.UUID,
			Done:         total,
			Total:        total,
			Parent:       FileSyncProgress{Done: i, Total: len(exports), Stage: StageUpload},
		})
		e.bus.Publish(FileSyncProgress{Done: i + 1, Total: len(exports), Stage: StageUpload})
	}

	// ルートを差し替える
	upserts := make([]File, 0, len(exports))
	for _, export := range exports {
		upserts = append(upserts, export.Entry)
	}
	deletes := make(map[string]bool, len(batch.Deletes))
	for _, uuid := range batch.Deletes {
		deletes[uuid] = true
	}

	updated, err := e.updateRoot(ctx, upserts, deletes)
	if err != nil {
		return err
	}

	// ローカル状態を反映する
	for _, export := range exports {
		export := export
		if document := findDocument(batch.Documents, export.Entry.UUID); document != nil {
			document.IndexHash = export.Entry.Hash
			document.Files = export.Index.Files
			document.payloads = nil
			e.store.Upsert(document)
		} else if collection := findCollection(batch.Collections, export.Entry.UUID); collection != nil {
			collection.IndexHash = export.Entry.Hash
			e.store.UpsertCollection(collection)
		}
	}
	for _, uuid := range batch.Deletes {
		e.store.Remove(uuid)
	}

	e.cloudSync.SetLastRoot(updated)
	e.state.SetLastRoot(updated)

	e.bus.Publish(FileSyncProgress{Stage: StageSync, Finished: true})
	e.bus.Publish(SyncCompleted{})
	return nil
}

// updateRoot は最新のルートインデックスに変更を差し込んでCAS更新します
// 衝突のたびにルートを取り直し、同じ変更を差し込み直す
func (e *Engine) updateRoot(ctx context.Context, upserts []File, deletes map[string]bool) (RootInfo, error) {
	var lastErr error
	for attempt := 0; attempt < rootUpdateMaxAttempts; attempt++ {
		e.bus.Publish(FileSyncProgress{Stage: StagePrepareRoot})
		root, rootIndex, err := e.service.ReadRoot(ctx)
		if err != nil {
			return RootInfo{}, err
		}

		e.bus.Publish(FileSyncProgress{Stage: StagePrepareOperations})
		next := rootIndex.Splice(upserts, deletes)

		e.bus.Publish(FileSyncProgress{Stage: StageUpdateRoot})
		updated, err := e.service.WriteRoot(ctx, root, next)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrRootConflict) {
			return RootInfo{}, err
		}

		lastErr = err
		e.logger.Info("root generation moved, rebasing changes (attempt %d)", attempt+1)
	}

	// 衝突が収まらない。これ以上書き込みを続けると他端末の変更を上書きしかねない
	e.markStopped()
	return RootInfo{}, e.logger.ErrorWithNotify(lastErr, "root update abandoned after %d conflicts, refusing further writes", rootUpdateMaxAttempts)
}

func findDocument(documents []*Document, uuid string) *Document {
	for _, d := range documents {
		if d.UUID == uuid {
			return d
		}
	}
	return nil
}

func findCollection(collections []*DocumentCollection, uuid string) *DocumentCollection {
	for _, c := range collections {
		if c.UUID == uuid {
			return c
		}
	}
	return nil
}

// ----------------------------------------------------------------
// 高レベル操作
// ----------------------------------------------------------------

// CreateDocument はドキュメントをアップロードしてストアへ登録します
func (e *Engine) CreateDocument(ctx context.Context, document *Document) error {
	return e.Upload(ctx, UploadBatch{Documents: []*Document{document}})
}

// CreateCollection はコレクションを作成します
func (e *Engine) CreateCollection(ctx context.Context, visibleName, parent string) (*DocumentCollection, error) {
	collection := &DocumentCollection{
		UUID:     newEntityID(),
		Metadata: NewCollectionMetadata(visibleName, parent),
	}
	if err := e.Upload(ctx, UploadBatch{Collections: []*DocumentCollection{collection}}); err != nil {
		return nil, err
	}
	return collection, nil
}

// MoveDocument はドキュメントを別のコレクション（または""でルート、trashでゴミ箱）へ移します
func (e *Engine) MoveDocument(ctx context.Context, documentID, newParent string) error {
	document, ok := e.store.Document(documentID)
	if !ok {
		return fmt.Errorf("unknown document %s", documentID)
	}
	if newParent != "" && newParent != ParentTrash {
		if _, ok := e.store.Collection(newParent); !ok {
			return fmt.Errorf("unknown collection %s", newParent)
		}
	}
	document.Metadata.Parent = newParent
	document.Metadata.Touch()
	return e.Upload(ctx, UploadBatch{Documents: []*Document{document}})
}

// RenameDocument はドキュメントの表示名を変更します
func (e *Engine) RenameDocument(ctx context.Context, documentID, visibleName string) error {
	document, ok := e.store.Document(documentID)
	if !ok {
		return fmt.Errorf("unknown document %s", documentID)
	}
	document.Metadata.VisibleName = visibleName
	document.Metadata.Touch()
	return e.Upload(ctx, UploadBatch{Documents: []*Document{document}})
}

// DeleteDocument はドキュメントをルートから取り除きます
// ブロブ自体はサーバー側のガベージコレクションに委ねる
func (e *Engine) DeleteDocument(ctx context.Context, documentID string) error {
	if _, ok := e.store.Document(documentID); !ok {
		return fmt.Errorf("unknown document %s", documentID)
	}
	return e.Upload(ctx, UploadBatch{Deletes: []string{documentID}})
}

// DuplicateDocument はドキュメントを複製してアップロードします
func (e *Engine) DuplicateDocument(ctx context.Context, documentID string) (*Document, error) {
	document, ok := e.store.Document(documentID)
	if !ok {
		return nil, fmt.Errorf("unknown document %s", documentID)
	}
	if err := e.EnsureAvailable(ctx, documentID); err != nil {
		return nil, err
	}
	duplicated, err := document.Duplicate(func(h Hash) ([]byte, error) {
		return e.service.Cache().Get(h)
	})
	if err != nil {
		return nil, err
	}
	if err := e.Upload(ctx, UploadBatch{Documents: []*Document{duplicated}}); err != nil {
		return nil, err
	}
	return duplicated, nil
}
