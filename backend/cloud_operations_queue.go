package backend

import (
	"context"
	"sync"
	"time"
)

// OperationType は操作の種類を表す
type OperationType int

const (
	OpGetRoot OperationType = iota
	OpPutRoot
	OpGetBlob
	OpPutBlob
	OpProbeBlob
)

// QueuedOperation はキューに格納される操作を表す
type QueuedOperation struct {
	Type    OperationType
	Key     string // 重複排除のキー（ブロブ操作はハッシュ、ルート操作は"root"）
	Execute func() (interface{}, error)
	Result  chan *OperationResult
	AddedAt time.Time
}

// OperationResult は操作の結果を表す
type OperationResult struct {
	Data  interface{}
	Error error
}

// CloudOperationsQueue はCloudOperationsのラッパー
// 書き込み操作を直列化し、サーバーへのリクエスト間隔を空ける
// 読み取り操作（GetRoot/GetBlob/Probe）はキューを通さずそのまま実行する
type CloudOperationsQueue struct {
	ops       CloudOperations
	queue     chan *QueuedOperation
	pending   map[string]*QueuedOperation // キー毎の実行待ち操作
	rateLimit time.Duration
	lastOp    time.Time
	mu        sync.Mutex
	done      chan struct{}
}

// NewCloudOperationsQueue は新しいCloudOperationsQueueを作成
func NewCloudOperationsQueue(ops CloudOperations) *CloudOperationsQueue {
	q := &CloudOperationsQueue{
		ops:       ops,
		queue:     make(chan *QueuedOperation, 256),
		pending:   make(map[string]*QueuedOperation),
		rateLimit: 50 * time.Millisecond,
		done:      make(chan struct{}),
	}
	go q.processQueue()
	return q
}

// HasPendingOperations はキューにアイテムがあるかどうかを返す
func (q *CloudOperationsQueue) HasPendingOperations() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) > 0 || len(q.queue) > 0
}

// WaitForCompletion は全ての操作が完了するまで待機する
func (q *CloudOperationsQueue) WaitForCompletion(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return false
		default:
			if !q.HasPendingOperations() {
				return true
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
}

// Shutdown はキューを安全に終了する
func (q *CloudOperationsQueue) Shutdown() {
	close(q.done)
}

// processQueue はキューの処理を行う
func (q *CloudOperationsQueue) processQueue() {
	for {
		select {
		case <-q.done:
			return
		case op := <-q.queue:
			// レート制限の適用
			q.mu.Lock()
			wait := q.rateLimit - time.Since(q.lastOp)
			q.mu.Unlock()
			if wait > 0 {
				time.Sleep(wait)
			}

			result, err := op.Execute()

			q.mu.Lock()
			q.lastOp = time.Now()
			if q.pending[op.Key] == op {
				delete(q.pending, op.Key)
			}
			q.mu.Unlock()

			op.Result <- &OperationResult{Data: result, Error: err}
		}
	}
}

// enqueueOperation は操作をキューへ積み、完了を待って結果を返す
func (q *CloudOperationsQueue) enqueueOperation(opType OperationType, key string, execute func() (interface{}, error)) (interface{}, error) {
	op := &QueuedOperation{
		Type:    opType,
		Key:     key,
		Execute: execute,
		Result:  make(chan *OperationResult, 1),
		AddedAt: time.Now(),
	}

	q.mu.Lock()
	// 同一ブロブの重複アップロードは先行の結果に相乗りする
	if opType == OpPutBlob {
		if prior, exists := q.pending[key]; exists {
			q.mu.Unlock()
			result := <-prior.Result
			prior.Result <- result
			return result.Data, result.Error
		}
	}
	q.pending[key] = op
	q.mu.Unlock()

	select {
	case q.queue <- op:
	case <-q.done:
		return nil, ErrEngineStopped
	}

	select {
	case result := <-op.Result:
		// 相乗り待ちがいても受け取れるように結果を戻しておく
		op.Result <- result
		return result.Data, result.Error
	case <-q.done:
		return nil, ErrEngineStopped
	}
}

// ----------------------------------------------------------------
// CloudOperationsの実装
// ----------------------------------------------------------------

func (q *CloudOperationsQueue) GetRoot(ctx context.Context) (RootInfo, error) {
	return q.ops.GetRoot(ctx)
}

func (q *CloudOperationsQueue) PutRoot(ctx context.Context, update RootUpdate) (RootInfo, error) {
	result, err := q.enqueueOperation(OpPutRoot, "root", func() (interface{}, error) {
		return q.ops.PutRoot(ctx, update)
	})
	if err != nil {
		return RootInfo{}, err
	}
	return result.(RootInfo), nil
}

func (q *CloudOperationsQueue) GetBlob(ctx context.Context, hash Hash) ([]byte, error) {
	return q.ops.GetBlob(ctx, hash)
}

func (q *CloudOperationsQueue) PutBlob(ctx context.Context, hash Hash, name string, data FileHandle) error {
	_, err := q.enqueueOperation(OpPutBlob, string(hash), func() (interface{}, error) {
		return nil, q.ops.PutBlob(ctx, hash, name, data)
	})
	return err
}

func (q *CloudOperationsQueue) BlobExists(ctx context.Context, hash Hash) (bool, error) {
	return q.ops.BlobExists(ctx, hash)
}
