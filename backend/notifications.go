package backend

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ----------------------------------------------------------------
// 通知クライアント
// サーバーのプッシュエンドポイントに常時接続し、他デバイスの
// 同期完了をSyncRefreshイベントに変換する
// ----------------------------------------------------------------

const notificationsPath = "/notifications/ws/json/1"

// サーバーから届くメッセージの外形
type notificationEnvelope struct {
	Event          string `json:"event"`
	SourceDeviceID string `json:"sourceDeviceID"`
}

// NotificationsClient は通知接続のライフサイクルを管理するインターフェース
type NotificationsClient interface {
	// Start は接続ループをバックグラウンドで開始
	Start()
	// Shutdown は接続を閉じてループを停止
	Shutdown()
}

type notificationsClientImpl struct {
	endpoint  string
	tokens    TokenProvider
	cloudSync *CloudSync
	bus       EventBus
	logger    EngineLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewNotificationsClient は新しいNotificationsClientインスタンスを作成
func NewNotificationsClient(ctx context.Context, baseURI string, tokens TokenProvider, cloudSync *CloudSync, bus EventBus, logger EngineLogger) NotificationsClient {
	clientCtx, cancel := context.WithCancel(ctx)
	return &notificationsClientImpl{
		endpoint:   notificationsEndpoint(baseURI),
		tokens:     tokens,
		cloudSync:  cloudSync,
		bus:        bus,
		logger:     logger,
		ctx:        clientCtx,
		cancel:     cancel,
		minBackoff: 2 * time.Second,
		maxBackoff: 5 * time.Minute,
	}
}

// HTTPSのベースURIをwebsocketエンドポイントに変換
func notificationsEndpoint(baseURI string) string {
	endpoint := strings.TrimSuffix(baseURI, "/")
	if strings.HasPrefix(endpoint, "https://") {
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	} else if strings.HasPrefix(endpoint, "http://") {
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint + notificationsPath
}

func (n *notificationsClientImpl) Start() {
	n.wg.Add(1)
	go n.run()
}

func (n *notificationsClientImpl) Shutdown() {
	n.cancel()
	n.wg.Wait()
}

// 接続・再接続ループ
// 切断のたびにジッター付き指数バックオフで再接続する
func (n *notificationsClientImpl) run() {
	defer n.wg.Done()

	backoff := n.minBackoff
	for {
		if n.ctx.Err() != nil {
			return
		}

		start := time.Now()
		err := n.listen()
		if n.ctx.Err() != nil {
			return
		}
		if err != nil {
			n.logger.Console("notification connection lost: %v", err)
		}

		// しばらく維持できていた接続なら切断は一時的とみなす
		if time.Since(start) > time.Minute {
			backoff = n.minBackoff
		}

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(backoff + jitter):
		}

		backoff *= 2
		if backoff > n.maxBackoff {
			backoff = n.maxBackoff
		}
	}
}

// 1本の接続を張り、切断されるまでメッセージを処理する
func (n *notificationsClientImpl) listen() error {
	token, err := n.tokens.UserToken(n.ctx)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.Dial(n.ctx, n.endpoint, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	n.logger.Console("notification channel connected")

	for {
		_, data, err := conn.Read(n.ctx)
		if err != nil {
			return err
		}
		n.handleMessage(data)
	}
}

func (n *notificationsClientImpl) handleMessage(data []byte) {
	var envelope notificationEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		n.logger.Console("ignoring malformed notification: %v", err)
		return
	}

	// 未知のイベントは前方互換のため黙って無視する
	if envelope.Event != "SyncCompleted" {
		return
	}

	// 自デバイスのアップロード完了はローカルの状態が既に新しい
	if envelope.SourceDeviceID != "" && envelope.SourceDeviceID == n.cloudSync.DeviceID() {
		return
	}

	n.bus.Publish(SyncRefresh{SourceDeviceID: envelope.SourceDeviceID})
}
