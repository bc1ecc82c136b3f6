package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SyncState はローカル端末の同期状態を管理する
// sync_state.json として保存する（クラウドにはアップロードしない）
type SyncState struct {
	Dirty              bool            `json:"dirty"`
	LastRootHash       Hash            `json:"lastRootHash"`
	LastRootGeneration int64           `json:"lastRootGeneration"`
	DirtyDocumentIDs   map[string]bool `json:"dirtyDocumentIds"`
	DeletedDocumentIDs map[string]bool `json:"deletedDocumentIds"`

	mu       sync.Mutex `json:"-"`
	filePath string     `json:"-"`
	revision uint64     `json:"-"`
}

func NewSyncState(filePath string) *SyncState {
	return &SyncState{
		DirtyDocumentIDs:   make(map[string]bool),
		DeletedDocumentIDs: make(map[string]bool),
		filePath:           filePath,
	}
}

func (s *SyncState) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			s.resetLocked(false)
			return nil
		}
		return fmt.Errorf("failed to read sync state file: %w", err)
	}

	var loaded SyncState
	if err := json.Unmarshal(data, &loaded); err != nil {
		// 壊れた状態ファイルはdirty扱いで作り直す
		s.resetLocked(true)
		return nil
	}

	s.Dirty = loaded.Dirty
	s.LastRootHash = loaded.LastRootHash
	s.LastRootGeneration = loaded.LastRootGeneration
	s.DirtyDocumentIDs = loaded.DirtyDocumentIDs
	s.DeletedDocumentIDs = loaded.DeletedDocumentIDs
	s.ensureMapsLocked()

	return nil
}

func (s *SyncState) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveLocked()
}

// MarkDocumentDirty はドキュメントをアップロード待ちとして記録する
func (s *SyncState) MarkDocumentDirty(documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revision++
	s.Dirty = true
	s.ensureMapsLocked()
	s.DirtyDocumentIDs[documentID] = true
	_ = s.saveLocked()
}

// MarkDocumentDeleted はドキュメントを削除待ちとして記録する
func (s *SyncState) MarkDocumentDeleted(documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revision++
	s.Dirty = true
	s.ensureMapsLocked()
	s.DeletedDocumentIDs[documentID] = true
	delete(s.DirtyDocumentIDs, documentID)
	_ = s.saveLocked()
}

func (s *SyncState) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revision++
	s.Dirty = true
	_ = s.saveLocked()
}

// SetLastRoot は同期が完了したルートを記録する
func (s *SyncState) SetLastRoot(root RootInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.LastRootHash = root.Hash
	s.LastRootGeneration = root.Generation
	_ = s.saveLocked()
}

// LastRoot は最後に同期したルートを返す
func (s *SyncState) LastRoot() RootInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return RootInfo{Hash: s.LastRootHash, Generation: s.LastRootGeneration}
}

func (s *SyncState) ClearDirty(root RootInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revision++
	s.clearDirtyLocked(root)
	_ = s.saveLocked()
}

// ClearDirtyIfUnchanged は、スナップショット取得後に状態更新が無い場合のみ dirty をクリアする
// 戻り値が false の場合は、アップロード中に新しい更新が入ったため dirty を保持して次回同期へ回す
func (s *SyncState) ClearDirtyIfUnchanged(snapshotRevision uint64, root RootInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.revision != snapshotRevision {
		return false
	}
	s.revision++
	s.clearDirtyLocked(root)
	_ = s.saveLocked()
	return true
}

func (s *SyncState) clearDirtyLocked(root RootInfo) {
	s.Dirty = false
	s.DirtyDocumentIDs = make(map[string]bool)
	s.DeletedDocumentIDs = make(map[string]bool)
	s.LastRootHash = root.Hash
	s.LastRootGeneration = root.Generation
}

func (s *SyncState) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.Dirty
}

// GetDirtySnapshot は現在のアップロード待ち・削除待ちの複製とrevisionを返す
func (s *SyncState) GetDirtySnapshot() (dirtyDocumentIDs map[string]bool, deletedDocumentIDs map[string]bool, revision uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirtyDocumentIDs = make(map[string]bool, len(s.DirtyDocumentIDs))
	for id := range s.DirtyDocumentIDs {
		dirtyDocumentIDs[id] = true
	}
	deletedDocumentIDs = make(map[string]bool, len(s.DeletedDocumentIDs))
	for id := range s.DeletedDocumentIDs {
		deletedDocumentIDs[id] = true
	}
	revision = s.revision

	return
}

func (s *SyncState) resetLocked(dirty bool) {
	s.Dirty = dirty
	s.LastRootHash = EmptyHash
	s.LastRootGeneration = 0
	s.DirtyDocumentIDs = make(map[string]bool)
	s.DeletedDocumentIDs = make(map[string]bool)
}

func (s *SyncState) ensureMapsLocked() {
	if s.DirtyDocumentIDs == nil {
		s.DirtyDocumentIDs = make(map[string]bool)
	}
	if s.DeletedDocumentIDs == nil {
		s.DeletedDocumentIDs = make(map[string]bool)
	}
}

func (s *SyncState) saveLocked() error {
	s.ensureMapsLocked()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create sync state directory: %w", err)
	}

	tmpPath := s.filePath + ".tmp"
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sync state: %w", err)
	}

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp sync state file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace sync state file: %w", err)
	}

	return nil
}
