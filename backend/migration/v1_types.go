package migration

import "time"

// v1SyncState は旧クライアントが sync.json に書いていた形式。
// 保留中の変更をスライスで持ち、dirtyフラグは存在しなかった。
type v1SyncState struct {
	RootHash       string    `json:"rootHash"`
	RootGeneration int64     `json:"rootGeneration"`
	PendingUploads []string  `json:"pendingUploads,omitempty"`
	PendingDeletes []string  `json:"pendingDeletes,omitempty"`
	LastSync       time.Time `json:"lastSync"`
	ClientID       string    `json:"clientId,omitempty"`
}
