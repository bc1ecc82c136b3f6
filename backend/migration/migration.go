package migration

import (
	"os"
	"path/filepath"
)

// RunIfNeeded は旧形式の同期状態ファイル（sync.json）が残っていれば
// 現行の sync_state.json に変換する。変換を実行した場合は true を返す。
func RunIfNeeded(syncFilePath string) (bool, error) {
	if _, err := os.Stat(syncFilePath); err == nil {
		return false, nil
	}

	v1Path := filepath.Join(filepath.Dir(syncFilePath), "sync.json")
	if _, err := os.Stat(v1Path); os.IsNotExist(err) {
		return false, nil
	}

	if err := migrateV1ToV2(v1Path, syncFilePath); err != nil {
		return false, err
	}
	return true, nil
}
