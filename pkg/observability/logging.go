package observability

import (
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "integrations"

// InitLogger: json в stdout, у каждой записи поля service и version.
func InitLogger(level string, version string) *zap.SugaredLogger {
	logConfig := zap.NewProductionConfig()
	logConfig.Sampling = nil
	logConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	logConfig.DisableStacktrace = true
	logConfig.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	logConfig.InitialFields = map[string]interface{}{
		"service": serviceName,
		"version": version,
	}

	logger, err := logConfig.Build()
	if err != nil {
		log.Fatal(err)
	}

	return logger.Sugar()
}

// ParseLevel понимает debug/info/warn/error/fatal в любом регистре, остальное - info.
func ParseLevel(level string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel
	}
	switch lvl {
	case zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel, zapcore.FatalLevel:
		return lvl
	default:
		return zapcore.InfoLevel
	}
}
