package migration

import (
	"encoding/json"
	"fmt"
	"os"
)

// v2SyncState は現行の sync_state.json と同じ形
type v2SyncState struct {
	Dirty              bool            `json:"dirty"`
	LastRootHash       string          `json:"lastRootHash"`
	LastRootGeneration int64           `json:"lastRootGeneration"`
	DirtyDocumentIDs   map[string]bool `json:"dirtyDocumentIds"`
	DeletedDocumentIDs map[string]bool `json:"deletedDocumentIds"`
}

func migrateV1ToV2(v1Path, v2Path string) error {
	v1Data, err := os.ReadFile(v1Path)
	if err != nil {
		return fmt.Errorf("failed to read v1 sync state: %w", err)
	}
	var v1State v1SyncState
	if err := json.Unmarshal(v1Data, &v1State); err != nil {
		return fmt.Errorf("failed to parse v1 sync state: %w", err)
	}

	if err := saveSnapshot(v1Path); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	v2State := convertV1ToV2(&v1State)

	v2Data, err := json.MarshalIndent(v2State, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal v2 sync state: %w", err)
	}
	return atomicWrite(v2Path, v2Data)
}

func convertV1ToV2(v1 *v1SyncState) *v2SyncState {
	v2 := &v2SyncState{
		LastRootHash:       v1.RootHash,
		LastRootGeneration: v1.RootGeneration,
		DirtyDocumentIDs:   make(map[string]bool),
		DeletedDocumentIDs: make(map[string]bool),
	}

	for _, id := range v1.PendingUploads {
		v2.DirtyDocumentIDs[id] = true
	}
	for _, id := range v1.PendingDeletes {
		v2.DeletedDocumentIDs[id] = true
		// 旧クライアントは削除予約したIDをアップロード側にも残すことがあった
		delete(v2.DirtyDocumentIDs, id)
	}
	v2.Dirty = len(v2.DirtyDocumentIDs) > 0 || len(v2.DeletedDocumentIDs) > 0

	return v2
}
