package backend

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// EngineLogger はログ出力とイベント通知を担当するインターフェース
type EngineLogger interface {
	Console(format string, args ...interface{})                          // デバッグ出力
	Info(format string, args ...interface{})                             // 情報メッセージ出力
	Error(err error, format string, args ...interface{}) error           // エラーメッセージ出力
	ErrorWithNotify(err error, format string, args ...interface{}) error // エラーメッセージ出力とイベント通知
	IsTestMode() bool
	Sync() error
}

// engineLoggerImpl はEngineLoggerの実装
type engineLoggerImpl struct {
	logger     *zap.SugaredLogger
	bus        EventBus
	isTestMode bool
}

// NewEngineLogger は新しいEngineLoggerインスタンスを作成
// ログはローテーション付きでdataDir/logs/slatesync.logに書き、コンソールにも出す
func NewEngineLogger(dataDir string, bus EventBus, isTestMode bool) EngineLogger {
	if isTestMode {
		return &engineLoggerImpl{
			logger:     zap.NewNop().Sugar(),
			bus:        bus,
			isTestMode: true,
		}
	}

	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(dataDir, "logs", "slatesync.log"),
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
	})

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), writer, zapcore.DebugLevel)

	return &engineLoggerImpl{
		logger: zap.New(core).Sugar(),
		bus:    bus,
	}
}

// NewTestLogger はテスト用の無出力ロガーを作成
func NewTestLogger(bus EventBus) EngineLogger {
	return &engineLoggerImpl{
		logger:     zap.NewNop().Sugar(),
		bus:        bus,
		isTestMode: true,
	}
}

// デバッグメッセージをログに出力
func (l *engineLoggerImpl) Console(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// 情報メッセージをログに出力
func (l *engineLoggerImpl) Info(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

// エラーメッセージをログに出力し、ラップしたエラーを返す
func (l *engineLoggerImpl) Error(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	l.logger.Errorf("%s: %v", message, err)
	return fmt.Errorf("%s: %w", message, err)
}

// エラーメッセージをログに出力し、イベントバスにも通知する
func (l *engineLoggerImpl) ErrorWithNotify(err error, format string, args ...interface{}) error {
	wrapped := l.Error(err, format, args...)
	if wrapped != nil && l.bus != nil {
		l.bus.Publish(FatalEvent{Err: wrapped})
	}
	return wrapped
}

func (l *engineLoggerImpl) IsTestMode() bool {
	return l.isTestMode
}

// Sync はバッファ済みログをフラッシュします
func (l *engineLoggerImpl) Sync() error {
	return l.logger.Sync()
}
