package backend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	dataDir := t.TempDir()

	config, err := LoadConfig("", dataDir)

	require.NoError(t, err)
	assert.Equal(t, defaultSyncURI, config.URI)
	assert.Equal(t, defaultDiscoveryURI, config.DiscoveryURI)
	assert.Equal(t, filepath.Join(dataDir, "token"), config.TokenFilePath)
	assert.Equal(t, filepath.Join(dataDir, "sync_state.json"), config.SyncFilePath)
	assert.False(t, config.DownloadEverything)
	assert.Equal(t, 8, config.MaxConcurrentDownloads)
}

func TestLoadConfig_FromFile(t *testing.T) {
	dataDir := t.TempDir()
	configPath := filepath.Join(dataDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(
		"uri: https://sync.example.com\n"+
			"download_everything: true\n"+
			"max_concurrent_downloads: 4\n"), 0644))

	config, err := LoadConfig(configPath, dataDir)

	require.NoError(t, err)
	assert.Equal(t, "https://sync.example.com", config.URI)
	assert.True(t, config.DownloadEverything)
	assert.Equal(t, 4, config.MaxConcurrentDownloads)
	// ファイルに無いキーはデフォルトのまま
	assert.Equal(t, defaultDiscoveryURI, config.DiscoveryURI)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	dataDir := t.TempDir()
	configPath := filepath.Join(dataDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("uri: https://file.example.com\n"), 0644))
	t.Setenv("URI", "https://env.example.com")

	config, err := LoadConfig(configPath, dataDir)

	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", config.URI)
}

func TestLoadConfig_TokenFromEnv(t *testing.T) {
	dataDir := t.TempDir()
	configPath := filepath.Join(dataDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("token: from-file\n"), 0644))
	t.Setenv("TOKEN", "from-env")

	config, err := LoadConfig(configPath, dataDir)

	require.NoError(t, err)
	assert.Equal(t, "from-env", config.Token)
}

func TestLoadConfig_MissingFileIsNotAnError(t *testing.T) {
	config, err := LoadConfig("", t.TempDir())

	require.NoError(t, err)
	assert.NotNil(t, config)
}

func TestLoadConfig_ExplicitMissingFileFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), t.TempDir())

	assert.Error(t, err)
}

func TestConfig_CacheDir(t *testing.T) {
	config := &Config{DataDir: "/data"}

	assert.Equal(t, filepath.Join("/data", "cache"), config.CacheDir())
}
