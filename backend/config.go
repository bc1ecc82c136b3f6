package backend

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config はエンジン全体の設定
type Config struct {
	// URI は同期APIのベースURL
	URI string `mapstructure:"uri"`
	// DiscoveryURI は認証・サービスディスカバリのベースURL
	DiscoveryURI string `mapstructure:"discovery_uri"`
	// DataDir はキャッシュ・ログ・同期状態の置き場所
	DataDir string `mapstructure:"data_dir"`
	// Token は固定のユーザートークン（設定時はデバイス登録・更新を行わない）
	Token string `mapstructure:"token"`
	// TokenFilePath はデバイストークンの保存先（空ならDataDir/token）
	TokenFilePath string `mapstructure:"token_file_path"`
	// SyncFilePath は同期状態の保存先（空ならDataDir/sync_state.json）
	SyncFilePath string `mapstructure:"sync_file_path"`
	// WaitForEverythingToLoad は初回同期の完了までAPIをブロックするかどうか
	WaitForEverythingToLoad bool `mapstructure:"wait_for_everything_to_load"`
	// DownloadEverything は全ドキュメントのリーフを先読みするかどうか
	DownloadEverything bool `mapstructure:"download_everything"`
	// OfflineSnapshot は起動時に前回のルートをキャッシュから復元するかどうか
	OfflineSnapshot bool `mapstructure:"offline_snapshot"`
	// MaxConcurrentDownloads はブロブ取得の並列数
	MaxConcurrentDownloads int `mapstructure:"max_concurrent_downloads"`
}

const (
	defaultSyncURI      = "https://internal.cloud.remarkable.com"
	defaultDiscoveryURI = "https://webapp-prod.cloud.remarkable.engineering"
)

// LoadConfig は設定ファイルと環境変数から設定を読み込みます
// 探索順: 明示パス → dataDir/config.yaml → デフォルト値
// 環境変数 URI / DISCOVERY_URI / TOKEN はファイルの値を上書きする
func LoadConfig(configPath, dataDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("uri", defaultSyncURI)
	v.SetDefault("discovery_uri", defaultDiscoveryURI)
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("wait_for_everything_to_load", false)
	v.SetDefault("download_everything", false)
	v.SetDefault("offline_snapshot", false)
	v.SetDefault("max_concurrent_downloads", 8)

	v.BindEnv("uri", "URI")
	v.BindEnv("discovery_uri", "DISCOVERY_URI")
	v.BindEnv("token", "TOKEN")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigFile(filepath.Join(dataDir, "config.yaml"))
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(*os.PathError); !ok {
				if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
					return nil, fmt.Errorf("failed to read config file: %w", err)
				}
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.DataDir == "" {
		config.DataDir = dataDir
	}
	if config.TokenFilePath == "" {
		config.TokenFilePath = filepath.Join(config.DataDir, "token")
	}
	if config.SyncFilePath == "" {
		config.SyncFilePath = filepath.Join(config.DataDir, "sync_state.json")
	}
	if config.MaxConcurrentDownloads <= 0 {
		config.MaxConcurrentDownloads = 8
	}
	return &config, nil
}

// DefaultDataDir はユーザーごとのデータディレクトリを返します
func DefaultDataDir() (string, error) {
	home, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve config directory: %w", err)
	}
	return filepath.Join(home, "slatesync"), nil
}

// CacheDir はブロブキャッシュのディレクトリを返します
func (c *Config) CacheDir() string {
	return filepath.Join(c.DataDir, "cache")
}
