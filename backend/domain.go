package backend

import (
	"errors"
	"sync"
)

// エンティティタイプ（.metadataのtypeフィールドの値）
const (
	CollectionType = "CollectionType"
	DocumentType   = "DocumentType"
)

// ParentTrash はゴミ箱へ移動したエンティティのparent値
const ParentTrash = "trash"

// ドキュメントのペイロード種別
const (
	FileTypeNotebook = "notebook"
	FileTypePDF      = "pdf"
	FileTypeEPUB     = "epub"
)

// ----------------------------------------------------------------
// エラー分類
// ----------------------------------------------------------------

var (
	// ErrRootConflict はルート更新の世代不一致（CAS失敗）
	ErrRootConflict = errors.New("root generation conflict")
	// ErrAuthRequired は認証切れ・未認証（リフレッシュ失敗後）
	ErrAuthRequired = errors.New("authentication required")
	// ErrBlobNotFound はサーバー・キャッシュにブロブが存在しない
	ErrBlobNotFound = errors.New("blob not found")
	// ErrIntegrity はハッシュ不一致・不正なインデックス行などの整合性エラー
	ErrIntegrity = errors.New("integrity error")
	// ErrLegacyAPI はv3ルートエンドポイントが旧APIを示す400を返した
	ErrLegacyAPI = errors.New("legacy sync API")
	// ErrUnsupportedFormat は未対応のcontentフォーマットバージョン
	ErrUnsupportedFormat = errors.New("unsupported content format version")
	// ErrEngineStopped は停止後のエンジンに対する書き込み操作
	ErrEngineStopped = errors.New("engine has been stopped")
)

// ----------------------------------------------------------------
// ルート
// ----------------------------------------------------------------

// RootInfo はサーバーが保持するルートの世代とハッシュ
type RootInfo struct {
	Generation int64 `json:"generation"`
	Hash       Hash  `json:"hash"`
	Schema     int64 `json:"schemaVersion,omitempty"`
}

// RootUpdate はルートのcompare-and-swap更新リクエスト
type RootUpdate struct {
	Broadcast  bool  `json:"broadcast"`
	Generation int64 `json:"generation"`
	Hash       Hash  `json:"hash"`
}

// ----------------------------------------------------------------
// 同期ステージとイベント
// ----------------------------------------------------------------

// SyncStage はアップロードパイプラインの進捗ステージ
type SyncStage string

const (
	StageStart              SyncStage = "start"
	StageGetRoot            SyncStage = "get_root"
	StageExportDocuments    SyncStage = "export_documents"
	StageDiffCheckDocuments SyncStage = "diff_check_documents"
	StagePrepareData        SyncStage = "prepare_data"
	StageCompileData        SyncStage = "compile_data"
	StagePrepareRoot        SyncStage = "prepare_root"
	StagePrepareOperations  SyncStage = "prepare_operations"
	StageUpload             SyncStage = "upload"
	StageUpdateRoot         SyncStage = "update_root"
	StageSync               SyncStage = "sync"
)

// Event はイベントバスを流れるイベントの閉じた型集合
type Event interface {
	eventName() string
}

// SyncRefresh は再同期要求（通知クライアント・シェル・拡張から）
type SyncRefresh struct {
	SourceDeviceID string // 発生元デバイス（自デバイスとの重複排除に使用）
}

// SyncCompleted はアップロードパイプラインの完了通知
type SyncCompleted struct{}

// NewDocuments はダウンロードパスの完了通知（ドキュメントマップが整合した時点）
type NewDocuments struct{}

// FileSyncProgress はファイル単位の同期進捗
type FileSyncProgress struct {
	Done     int
	Total    int
	Stage    SyncStage
	Finished bool
}

// DocumentSyncProgress は1ドキュメントのアップロード進捗
type DocumentSyncProgress struct {
	DocumentUUID string
	Done         int
	Total        int
	Parent       FileSyncProgress
}

// ResizeEvent はシェル側から中継される画面リサイズ通知（エンジンは中身を解釈しない）
type ResizeEvent struct {
	Width  int
	Height int
}

// FatalEvent は回復不能なエラーの通知。以降エンジンは書き込みを拒否する
type FatalEvent struct {
	Err error
}

func (SyncRefresh) eventName() string          { return "SyncRefresh" }
func (SyncCompleted) eventName() string        { return "SyncCompleted" }
func (NewDocuments) eventName() string         { return "NewDocuments" }
func (FileSyncProgress) eventName() string     { return "FileSyncProgress" }
func (DocumentSyncProgress) eventName() string { return "DocumentSyncProgress" }
func (ResizeEvent) eventName() string          { return "ResizeEvent" }
func (FatalEvent) eventName() string           { return "FatalEvent" }

// ----------------------------------------------------------------
// 共有同期状態
// ----------------------------------------------------------------

// CloudSync はクラウドとの接続状態と最後に観測したルートを管理する
type CloudSync struct {
	mutex                   sync.RWMutex
	isConnected             bool
	hasCompletedInitialSync bool
	lastRoot                RootInfo
	deviceID                string
}

func NewCloudSync(deviceID string) *CloudSync {
	return &CloudSync{deviceID: deviceID}
}

func (cs *CloudSync) Connected() bool {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()
	return cs.isConnected
}

func (cs *CloudSync) SetConnected(connected bool) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	cs.isConnected = connected
}

func (cs *CloudSync) HasCompletedInitialSync() bool {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()
	return cs.hasCompletedInitialSync
}

func (cs *CloudSync) SetInitialSyncCompleted(completed bool) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	cs.hasCompletedInitialSync = completed
}

// LastRoot は最後に観測（または書き込み）したルートを返す
func (cs *CloudSync) LastRoot() RootInfo {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()
	return cs.lastRoot
}

func (cs *CloudSync) SetLastRoot(root RootInfo) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	cs.lastRoot = root
}

// DeviceID は自デバイスの識別子（通知の重複排除に使用）
func (cs *CloudSync) DeviceID() string {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()
	return cs.deviceID
}

func (cs *CloudSync) SetDeviceID(deviceID string) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	cs.deviceID = deviceID
}
