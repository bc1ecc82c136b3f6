package backend

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Engine はダウンロード方向の同期を統括する
// ダウンロードパスは直列化され、実行中に要求が重なった場合は完了後にもう一度走る
type Engine struct {
	service   SyncService
	store     *DocumentStore
	state     *SyncState
	cloudSync *CloudSync
	bus       EventBus
	logger    EngineLogger
	config    *Config

	passMu  sync.Mutex // ダウンロードパスの直列化
	stateMu sync.Mutex
	running bool
	redo    bool
	// stopped はルートCAS更新を使い切った後に立つ。以降の書き込みは拒否する
	stopped bool

	// EnsureAvailableの同時要求をドキュメント単位で合流させる
	inflightMu sync.Mutex
	inflight   map[string]chan struct{}
}

// NewEngine は新しいEngineインスタンスを作成
func NewEngine(service SyncService, store *DocumentStore, state *SyncState, cloudSync *CloudSync, bus EventBus, logger EngineLogger, config *Config) *Engine {
	return &Engine{
		service:   service,
		store:     store,
		state:     state,
		cloudSync: cloudSync,
		bus:       bus,
		logger:    logger,
		config:    config,
		inflight:  make(map[string]chan struct{}),
	}
}

// ----------------------------------------------------------------
// ダウンロードパス
// ----------------------------------------------------------------

// Sync はダウンロードパスを1回実行します
// 既にパスが走っている場合はredoフラグを立てて戻り、実行中のパスが完了後にもう一度走る
func (e *Engine) Sync(ctx context.Context) error {
	e.stateMu.Lock()
	if e.running {
		e.redo = true
		e.stateMu.Unlock()
		return nil
	}
	e.running = true
	e.stateMu.Unlock()

	defer func() {
		e.stateMu.Lock()
		e.running = false
		e.stateMu.Unlock()
	}()

	for {
		if err := e.runPass(ctx); err != nil {
			return err
		}

		e.stateMu.Lock()
		again := e.redo
		e.redo = false
		e.stateMu.Unlock()
		if !again {
			return nil
		}
		e.logger.Console("changes arrived during sync, running another pass")
	}
}

// runPass はルートの差分を取り、変化したエンティティを取り込みます
func (e *Engine) runPass(ctx context.Context) error {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	e.bus.Publish(FileSyncProgress{Stage: StageGetRoot})

	root, rootIndex, err := e.service.ReadRoot(ctx)
	if err != nil {
		return e.logger.Error(err, "failed to read root")
	}

	lastRoot := e.cloudSync.LastRoot()
	if root.Hash == lastRoot.Hash && root.Hash.Valid() && e.cloudSync.HasCompletedInitialSync() {
		e.logger.Console("root unchanged at generation %d", root.Generation)
		e.bus.Publish(FileSyncProgress{Stage: StageSync, Finished: true})
		e.bus.Publish(SyncCompleted{})
		return nil
	}

	e.bus.Publish(FileSyncProgress{Stage: StageDiffCheckDocuments})

	// 変更のないエンティティは再構築せず引き継ぐ
	var unchanged []File
	var changed []File
	seen := make(map[string]bool, len(rootIndex.Files))
	for _, entry := range rootIndex.Files {
		seen[entry.UUID] = true
		if e.entryUnchanged(entry) {
			unchanged = append(unchanged, entry)
		} else {
			changed = append(changed, entry)
		}
	}

	e.bus.Publish(FileSyncProgress{Stage: StagePrepareData, Total: len(changed)})

	documents := make([]*Document, 0, len(rootIndex.Files))
	collections := make([]*DocumentCollection, 0)
	for _, entry := range unchanged {
		if d, ok := e.store.Document(entry.UUID); ok {
			documents = append(documents, d)
		} else if c, ok := e.store.Collection(entry.UUID); ok {
			collections = append(collections, c)
		}
	}

	// 変化したエンティティを並列に取り込む
	var buildMu sync.Mutex
	newDocuments := 0
	done := 0

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.config.MaxConcurrentDownloads)
	for _, entry := range changed {
		entry := entry
		group.Go(func() error {
			document, collection, err := e.buildEntry(groupCtx, entry)
			if err != nil {
				return err
			}

			buildMu.Lock()
			defer buildMu.Unlock()
			if document != nil {
				documents = append(documents, document)
				if _, existed := e.store.Document(entry.UUID); !existed {
					newDocuments++
				}
			} else {
				collections = append(collections, collection)
			}
			done++
			e.bus.Publish(FileSyncProgress{Done: done, Total: len(changed), Stage: StageCompileData})
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return e.logger.Error(err, "failed to ingest changed entries")
	}

	e.store.Replace(documents, collections)
	e.cloudSync.SetLastRoot(root)
	e.cloudSync.SetInitialSyncCompleted(true)
	e.state.SetLastRoot(root)

	e.bus.Publish(FileSyncProgress{Done: len(changed), Total: len(changed), Stage: StageSync, Finished: true})
	if newDocuments > 0 {
		e.bus.Publish(NewDocuments{})
	}
	e.bus.Publish(SyncCompleted{})

	if e.config.DownloadEverything {
		go e.prefetchEverything(ctx)
	}
	return nil
}

// LoadOfflineSnapshot は前回観測したルートをキャッシュだけから復元します
// ネットワークなしで起動するためのオプトイン機能。ルートインデックスが
// キャッシュに無ければ何もせず、個々のエンティティも揃っているものだけ取り込む
func (e *Engine) LoadOfflineSnapshot() error {
	last := e.state.LastRoot()
	if !last.Hash.Valid() {
		return nil
	}

	cache := e.service.Cache()
	rootIndex, err := cache.ParsedIndex(last.Hash)
	if err != nil {
		return fmt.Errorf("failed to load cached root index: %w", err)
	}

	fromCache := func(f File) ([]byte, error) {
		return cache.Get(f.Hash)
	}

	documents := make([]*Document, 0, len(rootIndex.Files))
	collections := make([]*DocumentCollection, 0)
	for _, entry := range rootIndex.Files {
		docIndex, err := cache.ParsedIndex(entry.Hash)
		if err != nil {
			e.logger.Console("offline snapshot: skipping %s (index not cached)", entry.UUID)
			continue
		}
		document, collection, err := BuildEntity(entry, docIndex, fromCache)
		if err != nil {
			e.logger.Console("offline snapshot: skipping %s: %v", entry.UUID, err)
			continue
		}
		if document != nil {
			documents = append(documents, document)
		} else {
			collections = append(collections, collection)
		}
	}

	e.store.Replace(documents, collections)
	e.logger.Console("offline snapshot restored: %d documents, %d collections", len(documents), len(collections))
	return nil
}

// markStopped は回復不能な書き込み失敗の後でエンジンを書き込み拒否状態にする
func (e *Engine) markStopped() {
	e.stateMu.Lock()
	e.stopped = true
	e.stateMu.Unlock()
}

func (e *Engine) isStopped() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.stopped
}

// entryUnchanged はストア内の同一UUIDのエンティティと同じインデックスハッシュかどうか
func (e *Engine) entryUnchanged(entry File) bool {
	if d, ok := e.store.Document(entry.UUID); ok {
		return d.IndexHash == entry.Hash
	}
	if c, ok := e.store.Collection(entry.UUID); ok {
		return c.IndexHash == entry.Hash
	}
	return false
}

// buildEntry はトップレベルエントリからエンティティを構築します
// メタデータとコンテンツのみ取得し、ペイロードのリーフは要求されるまで取らない
func (e *Engine) buildEntry(ctx context.Context, entry File) (*Document, *DocumentCollection, error) {
	docIndex, err := e.service.FetchIndex(ctx, entry.Hash)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch index for %s: %w", entry.UUID, err)
	}
	return BuildEntity(entry, docIndex, func(f File) ([]byte, error) {
		return e.service.FetchBlob(ctx, f)
	})
}

// ----------------------------------------------------------------
// リーフの取得
// ----------------------------------------------------------------

// EnsureAvailable はドキュメントの全リーフをキャッシュへ取り寄せます
// 同じドキュメントへの同時要求は1つのダウンロードに合流する
func (e *Engine) EnsureAvailable(ctx context.Context, documentID string) error {
	document, ok := e.store.Document(documentID)
	if !ok {
		return fmt.Errorf("unknown document %s", documentID)
	}

	e.inflightMu.Lock()
	if waiter, exists := e.inflight[documentID]; exists {
		e.inflightMu.Unlock()
		select {
		case <-waiter:
		case <-ctx.Done():
			return ctx.Err()
		}
		if e.store.Available(document) {
			return nil
		}
		// 先行ダウンロードが失敗している。自分でやり直す
		return e.EnsureAvailable(ctx, documentID)
	}
	waiter := make(chan struct{})
	e.inflight[documentID] = waiter
	e.inflightMu.Unlock()

	defer func() {
		e.inflightMu.Lock()
		delete(e.inflight, documentID)
		e.inflightMu.Unlock()
		close(waiter)
	}()

	return e.fetchLeaves(ctx, document)
}

func (e *Engine) fetchLeaves(ctx context.Context, document *Document) error {
	missing := e.store.MissingLeaves(document)
	if len(missing) == 0 {
		return nil
	}

	document.setDownloading(true)
	defer document.setDownloading(false)

	total := len(missing)
	var doneMu sync.Mutex
	done := 0

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.config.MaxConcurrentDownloads)
	for _, leaf := range missing {
		leaf := leaf
		group.Go(func() error {
			if _, err := e.service.FetchBlob(groupCtx, leaf); err != nil {
				return err
			}
			doneMu.Lock()
			done++
			e.bus.Publish(DocumentSyncProgress{
				DocumentUUID: document.UUID,
				Done:         done,
				Total:        total,
				Parent:       FileSyncProgress{Done: done, Total: total, Stage: StageCompileData, Finished: done == total},
			})
			doneMu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return e.logger.Error(err, "failed to download document %s", document.UUID)
	}
	return nil
}

// prefetchEverything は全ドキュメントのリーフを順に取り寄せます
func (e *Engine) prefetchEverything(ctx context.Context) {
	for _, document := range e.store.Documents() {
		if ctx.Err() != nil {
			return
		}
		if err := e.EnsureAvailable(ctx, document.UUID); err != nil {
			e.logger.Console("prefetch of %s failed: %v", document.UUID, err)
		}
	}
}
