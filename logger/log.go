package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Log *zap.Logger

// Config 日志输出配置；File 为空时只写 stdout
type Config struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

func init() {
	Log = build(zapcore.DebugLevel, zapcore.AddSync(os.Stdout), true)
}

func encoderConfig(color bool) zapcore.EncoderConfig {
	enc := zapcore.EncoderConfig{
		TimeKey:      "ts",
		LevelKey:     "level",
		NameKey:      "logger",
		CallerKey:    "caller",
		MessageKey:   "msg",
		LineEnding:   zapcore.DefaultLineEnding,
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeLevel:  zapcore.CapitalLevelEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
	}
	if color {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder // 彩色等级
	}
	return enc
}

func build(level zapcore.Level, ws zapcore.WriteSyncer, color bool) *zap.Logger {
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig(color)), ws, level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

// Init 按配置重建全局 Log
func Init(c Config) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(orDefault(c.Level, "info"))))); err != nil {
		return fmt.Errorf("log level %q: %w", c.Level, err)
	}

	stdout := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig(true)), zapcore.AddSync(os.Stdout), level)
	if c.File == "" {
		Log = zap.New(stdout, zap.AddCaller(), zap.AddCallerSkip(1))
		return nil
	}

	roll := &lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    orDefaultInt(c.MaxSizeMB, 100),
		MaxBackups: orDefaultInt(c.MaxBackups, 5),
		MaxAge:     orDefaultInt(c.MaxAgeDays, 7),
		Compress:   true,
	}
	file := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig(false)), zapcore.AddSync(roll), level)
	Log = zap.New(zapcore.NewTee(stdout, file), zap.AddCaller(), zap.AddCallerSkip(1))
	return nil
}

func Sync() { _ = Log.Sync() }

func orDefault(s, d string) string {
	if s == "" {
		return d
	}
	return s
}

func orDefaultInt(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

// 快捷方法
func Info(msg string, fields ...zap.Field) { Log.Info(msg, fields...) }
func Infof(format string, args ...interface{}) {
	Log.Info(fmt.Sprintf(format, args...))
}
func Warn(msg string, fields ...zap.Field) { Log.Warn(msg, fields...) }
func Warnf(format string, args ...interface{}) {
	Log.Warn(fmt.Sprintf(format, args...))
}
func Error(msg string, fields ...zap.Field) { Log.Error(msg, fields...) }

func Errorf(format string, args ...interface{}) {
	Log.Error(fmt.Sprintf(format, args...))
}

func Debug(msg string, fields ...zap.Field) { Log.Debug(msg, fields...) }
func Debugf(format string, args ...interface{}) {
	Log.Debug(fmt.Sprintf(format, args...))
}
