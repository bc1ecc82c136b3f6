package backend

import (
	"context"
	"sync"
	"time"
)

// RefreshService は定期ポーリングと通知起点の再同期を管理するサービス
// プッシュ接続が生きている間もフォールバックとして緩いポーリングを続ける
type RefreshService struct {
	ctx         context.Context
	engine      *Engine
	updateQueue *UpdateQueue
	bus         EventBus
	logger      EngineLogger

	refreshChan chan string
	resetChan   chan struct{}
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	initialInterval time.Duration
	maxInterval     time.Duration
}

// NewRefreshService は新しいRefreshServiceインスタンスを作成
func NewRefreshService(ctx context.Context, engine *Engine, updateQueue *UpdateQueue, bus EventBus, logger EngineLogger) *RefreshService {
	return &RefreshService{
		ctx:             ctx,
		engine:          engine,
		updateQueue:     updateQueue,
		bus:             bus,
		logger:          logger,
		refreshChan:     make(chan string, 8),
		resetChan:       make(chan struct{}, 1),
		stopChan:        make(chan struct{}),
		initialInterval: 20 * time.Second,
		maxInterval:     3 * time.Minute,
	}
}

// Start はポーリング監視を開始
func (r *RefreshService) Start() {
	r.bus.Subscribe("refreshService", func(e Event) {
		if refresh, ok := e.(SyncRefresh); ok {
			select {
			case r.refreshChan <- refresh.SourceDeviceID:
			default:
			}
		}
	})

	r.wg.Add(1)
	go r.run()
}

// Stop はポーリングを停止
func (r *RefreshService) Stop() {
	r.stopOnce.Do(func() {
		r.bus.Unsubscribe("refreshService")
		close(r.stopChan)
	})
	r.wg.Wait()
}

// ResetInterval はポーリング間隔を初期値に戻す（ローカル編集の直後などに呼ぶ）
func (r *RefreshService) ResetInterval() {
	select {
	case r.resetChan <- struct{}{}:
	default:
	}
}

func (r *RefreshService) run() {
	defer r.wg.Done()

	const factor = 1.5

	interval := r.initialInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// 初回同期
	if err := r.engine.Sync(r.ctx); err != nil {
		r.logger.Error(err, "initial sync failed")
	}

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.stopChan:
			return

		case source := <-r.refreshChan:
			// 他デバイスからの通知は即座に取りに行く
			r.logger.Console("refresh requested by device %s", source)
			if err := r.engine.Sync(r.ctx); err != nil {
				r.logger.Error(err, "notification-driven sync failed")
			}
			interval = r.initialInterval
			ticker.Reset(interval)

		case <-r.resetChan:
			interval = r.initialInterval
			ticker.Reset(interval)

		case <-ticker.C:
			if !r.engine.cloudSync.Connected() {
				continue
			}

			// アップロード待ちの変更がある場合はポーリングをスキップ
			if r.updateQueue != nil && r.updateQueue.HasPendingChanges() {
				interval = r.initialInterval
				ticker.Reset(interval)
				continue
			}

			if err := r.engine.Sync(r.ctx); err != nil {
				if notifyErr := r.logger.ErrorWithNotify(err, "failed to sync with cloud"); notifyErr != nil {
					r.logger.Console("failed to notify sync error: %v", notifyErr)
				}
				interval = r.initialInterval
			} else {
				interval = time.Duration(float64(interval) * factor)
				if interval > r.maxInterval {
					interval = r.maxInterval
				}
				r.logger.Console("sync ok, stretching interval to %s", interval)
			}
			ticker.Reset(interval)
		}
	}
}
