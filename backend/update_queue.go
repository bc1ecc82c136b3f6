package backend

import (
	"context"
	"sync"
	"time"
)

// 変更タイプの定義
type ChangeType string

const (
	ChangeSave   ChangeType = "SAVE"
	ChangeDelete ChangeType = "DELETE"
)

// ローカル編集1件
type PendingChange struct {
	Type       ChangeType
	DocumentID string
	Timestamp  time.Time
}

// UpdateQueue はローカル編集をまとめて1回のアップロードパスに畳む
// 編集が続く間はタイマーを延長し、手が止まったところでフラッシュする
type UpdateQueue struct {
	ctx           context.Context
	engine        *Engine
	state         *SyncState
	changes       []PendingChange
	mutex         sync.Mutex
	flushTimer    *time.Timer
	batchInterval time.Duration
	restoreOnce   sync.Once
	logger        EngineLogger
}

// 新しい更新キューを作成
func NewUpdateQueue(ctx context.Context, engine *Engine, state *SyncState, logger EngineLogger) *UpdateQueue {
	return &UpdateQueue{
		ctx:           ctx,
		engine:        engine,
		state:         state,
		changes:       make([]PendingChange, 0),
		batchInterval: 5 * time.Second,
		logger:        logger,
	}
}

// QueueSave はドキュメントの保存をキューに追加
func (q *UpdateQueue) QueueSave(documentID string) {
	q.state.MarkDocumentDirty(documentID)
	q.queue(PendingChange{Type: ChangeSave, DocumentID: documentID, Timestamp: time.Now()})
}

// QueueDelete はドキュメントの削除をキューに追加
func (q *UpdateQueue) QueueDelete(documentID string) {
	q.state.MarkDocumentDeleted(documentID)
	q.queue(PendingChange{Type: ChangeDelete, DocumentID: documentID, Timestamp: time.Now()})
}

func (q *UpdateQueue) queue(change PendingChange) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.logger.Console("queuing %s for document %s", change.Type, change.DocumentID)
	q.changes = append(q.changes, change)

	// フラッシュタイマーをリセット
	if q.flushTimer != nil {
		q.flushTimer.Stop()
	}
	q.flushTimer = time.AfterFunc(q.batchInterval, q.Flush)
}

// RestorePending は前回終了時に送信できなかった変更をキューへ戻す
// 保存待ちはストアに残っているドキュメントだけ積み直し、削除待ちはそのまま再実行する
// 初回同期の後に一度だけ呼ぶ
func (q *UpdateQueue) RestorePending() {
	q.restoreOnce.Do(func() {
		dirty, deleted, _ := q.state.GetDirtySnapshot()
		for documentID := range deleted {
			q.queue(PendingChange{Type: ChangeDelete, DocumentID: documentID, Timestamp: time.Now()})
		}
		for documentID := range dirty {
			if _, ok := q.engine.store.Document(documentID); ok {
				q.queue(PendingChange{Type: ChangeSave, DocumentID: documentID, Timestamp: time.Now()})
			}
		}
	})
}

// Flush はキューされた変更を1回のアップロードに畳んで実行する
func (q *UpdateQueue) Flush() {
	_ = q.flush()
}

// FlushAndWait はフラッシュを実行し、アップロードの結果を返す
func (q *UpdateQueue) FlushAndWait() error {
	return q.flush()
}

func (q *UpdateQueue) flush() error {
	q.mutex.Lock()
	changes := q.changes
	q.changes = make([]PendingChange, 0)
	if q.flushTimer != nil {
		q.flushTimer.Stop()
		q.flushTimer = nil
	}
	q.mutex.Unlock()

	if len(changes) == 0 {
		return nil
	}

	optimized := q.optimizeChanges(changes)
	q.logger.Console("flushing %d changes (%d after batching)", len(changes), len(optimized))

	_, _, revision := q.state.GetDirtySnapshot()

	batch := UploadBatch{}
	for _, change := range optimized {
		switch change.Type {
		case ChangeSave:
			if document, ok := q.engine.store.Document(change.DocumentID); ok {
				batch.Documents = append(batch.Documents, document)
			} else if collection, ok := q.engine.store.Collection(change.DocumentID); ok {
				batch.Collections = append(batch.Collections, collection)
			}
		case ChangeDelete:
			batch.Deletes = append(batch.Deletes, change.DocumentID)
		}
	}

	if err := q.engine.Upload(q.ctx, batch); err != nil {
		q.logger.Error(err, "failed to flush update queue")
		// 失敗した変更はdirtyのまま残り、次のフラッシュで再試行される
		q.mutex.Lock()
		q.changes = append(changes, q.changes...)
		if q.flushTimer != nil {
			q.flushTimer.Stop()
		}
		q.flushTimer = time.AfterFunc(q.batchInterval, q.Flush)
		q.mutex.Unlock()
		return err
	}

	if !q.state.ClearDirtyIfUnchanged(revision, q.engine.cloudSync.LastRoot()) {
		q.logger.Console("new edits arrived during flush, keeping dirty state")
	}
	return nil
}

// optimizeChanges はドキュメントごとに変更を1件へ畳む
// 削除が含まれるドキュメントは削除が勝つ
func (q *UpdateQueue) optimizeChanges(changes []PendingChange) []PendingChange {
	byDocument := make(map[string][]PendingChange)
	var order []string
	for _, change := range changes {
		if _, seen := byDocument[change.DocumentID]; !seen {
			order = append(order, change.DocumentID)
		}
		byDocument[change.DocumentID] = append(byDocument[change.DocumentID], change)
	}

	var result []PendingChange
	for _, documentID := range order {
		ops := byDocument[documentID]
		deleted := false
		for _, op := range ops {
			if op.Type == ChangeDelete {
				result = append(result, op)
				deleted = true
				break
			}
		}
		if !deleted {
			result = append(result, ops[len(ops)-1])
		}
	}
	return result
}

// HasPendingChanges はフラッシュ待ちの変更があるかどうかを返す
func (q *UpdateQueue) HasPendingChanges() bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.changes) > 0
}
