package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	l     = zap.NewNop()
	level = zap.NewAtomicLevel()
)

// InitLogger builds the process logger. "prod" emits JSON with ISO8601
// timestamps, "test" only warnings and errors, anything else the development
// console encoder at debug level.
func InitLogger(env string) {
	var cfg zap.Config

	switch env {
	case "prod":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "test":
		cfg = zap.NewDevelopmentConfig()
		cfg.Level.SetLevel(zap.WarnLevel)
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	level.SetLevel(cfg.Level.Level())
	cfg.Level = level

	logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}

	l = logger
}

// SetLevel changes the minimum level of the running logger. An empty name
// keeps the level chosen by InitLogger.
func SetLevel(name string) error {
	if name == "" {
		return nil
	}
	lvl, err := zapcore.ParseLevel(name)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}

func Level() zapcore.Level {
	return level.Level()
}

func Info(msg string, fields ...zap.Field) {
	l.Info(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	l.Error(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	l.Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	l.Warn(msg, fields...)
}

// With returns a child logger carrying fields, for loops that log the same
// task several times.
func With(fields ...zap.Field) *zap.Logger {
	return l.With(fields...)
}

func Sync() error {
	return l.Sync()
}
