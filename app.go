package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"slatesync/backend"
	"slatesync/backend/legacy"
	"slatesync/backend/migration"
)

// App は同期エンジンを構成する全サービスを束ねる
type App struct {
	Config    *backend.Config
	Bus       backend.EventBus
	Logger    backend.EngineLogger
	Cache     backend.BlobCache
	CloudSync *backend.CloudSync
	Auth      backend.AuthService
	Queue     *backend.CloudOperationsQueue
	Store     *backend.DocumentStore
	State     *backend.SyncState
	Engine    *backend.Engine
	Updates   *backend.UpdateQueue
	Notifier  backend.NotificationsClient
	Refresher *backend.RefreshService
	Host      backend.ExtensionHost

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp は設定を読み込み、サービス一式を組み立てます
// ネットワークにはまだ触れない。接続はStartSyncで行う
func NewApp(configPath string) (*App, error) {
	dataDir, err := backend.DefaultDataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	config, err := backend.LoadConfig(configPath, dataDir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	bus := backend.NewEventBus()
	logger := backend.NewEngineLogger(config.DataDir, bus, false)

	cache, err := backend.NewBlobCache(config.CacheDir())
	if err != nil {
		cancel()
		return nil, err
	}

	cloudSync := backend.NewCloudSync("")
	client := &http.Client{Timeout: 5 * time.Minute}
	var auth backend.AuthService
	if config.Token != "" {
		// 固定トークンが設定されていればデバイス登録をバイパスする
		auth = backend.NewStaticTokenAuth(config.Token, cloudSync, logger)
	} else {
		auth = backend.NewAuthService(client, config.DiscoveryURI, config.TokenFilePath, cloudSync, logger)
	}

	if migrated, err := migration.RunIfNeeded(config.SyncFilePath); err != nil {
		logger.Console("failed to migrate legacy sync state: %v", err)
	} else if migrated {
		logger.Console("migrated legacy sync state to %s", config.SyncFilePath)
	}

	state := backend.NewSyncState(config.SyncFilePath)
	if err := state.Load(); err != nil {
		logger.Console("failed to load sync state, starting fresh: %v", err)
	}

	store := backend.NewDocumentStore(cache)

	app := &App{
		Config:    config,
		Bus:       bus,
		Logger:    logger,
		Cache:     cache,
		CloudSync: cloudSync,
		Auth:      auth,
		Store:     store,
		State:     state,
		ctx:       ctx,
		cancel:    cancel,
	}
	app.wireEngine(backend.NewCloudOperations(client, config.URI, auth, logger))
	return app, nil
}

// wireEngine は指定のCloudOperations実装でエンジン側の配線を行う
// 旧APIへのフォールバック時にも呼ばれる
func (a *App) wireEngine(ops backend.CloudOperations) {
	if a.Queue != nil {
		a.Queue.Shutdown()
	}
	a.Queue = backend.NewCloudOperationsQueue(ops)
	service := backend.NewSyncService(a.Queue, a.Cache, a.Logger)
	a.Engine = backend.NewEngine(service, a.Store, a.State, a.CloudSync, a.Bus, a.Logger, a.Config)
	a.Updates = backend.NewUpdateQueue(a.ctx, a.Engine, a.State, a.Logger)
	a.Host = backend.NewExtensionHost(a.ctx, a.Engine, a.Updates, a.Store, a.Config, a.Bus, a.Logger)
}

// Initialize は保存済みトークンを読み込みます
// デバイス未登録の場合はErrAuthRequiredが返る
func (a *App) Initialize() error {
	if err := a.Auth.Initialize(a.ctx); err != nil {
		return err
	}
	if a.Config.OfflineSnapshot {
		if err := a.Engine.LoadOfflineSnapshot(); err != nil {
			a.Logger.Console("offline snapshot unavailable: %v", err)
		}
	}
	return nil
}

// Sync はダウンロードパスを1回実行します
// v3ルートが旧APIを示す400を返した場合は一度だけ旧ドライバに切り替えて再試行する
func (a *App) Sync() error {
	err := a.Engine.Sync(a.ctx)
	if errors.Is(err, backend.ErrLegacyAPI) {
		a.Logger.Console("server speaks the pre-v3 API, switching sync driver")
		a.wireEngine(legacy.NewOperations(a.Config.URI, a.Auth, a.Logger))
		err = a.Engine.Sync(a.ctx)
	}
	if err == nil {
		// 前回終了時に送れなかった変更があれば積み直す
		a.Updates.RestorePending()
	}
	return err
}

// StartSync は常駐の同期ループを開始します
// 通知接続・フォールバックポーリング・初回同期が動き出す
func (a *App) StartSync() error {
	if err := a.Sync(); err != nil {
		return err
	}

	a.Refresher = backend.NewRefreshService(a.ctx, a.Engine, a.Updates, a.Bus, a.Logger)
	a.Refresher.Start()

	a.Notifier = backend.NewNotificationsClient(a.ctx, a.Config.URI, a.Auth, a.CloudSync, a.Bus, a.Logger)
	a.Notifier.Start()

	if a.Config.WaitForEverythingToLoad && a.Config.DownloadEverything {
		for _, document := range a.Store.Documents() {
			if err := a.Engine.EnsureAvailable(a.ctx, document.UUID); err != nil {
				a.Logger.Console("failed to prefetch %s: %v", document.UUID, err)
			}
		}
	}
	return nil
}

// Shutdown は全サービスを停止します
// 書き込みキューは送信済みの操作が完了するまで少し待つ
func (a *App) Shutdown() {
	if a.Updates != nil {
		a.Updates.Flush()
	}
	if a.Notifier != nil {
		a.Notifier.Shutdown()
	}
	if a.Refresher != nil {
		a.Refresher.Stop()
	}
	if a.Queue != nil {
		a.Queue.WaitForCompletion(30 * time.Second)
		a.Queue.Shutdown()
	}
	a.cancel()
	a.Logger.Sync()
	if a.Bus != nil {
		a.Bus.Close()
	}
}
