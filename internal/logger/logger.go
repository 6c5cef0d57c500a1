// Package logger builds the zap logger used across the service and holds
// helpers that keep personal identifiers out of log lines.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "identity"

// New creates a logger for the given environment (dev, staging, prod) and level.
func New(environment, level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var encoder zapcore.Encoder
	if environment == "dev" {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "time"
		encoderConfig.MessageKey = "msg"
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeDuration = zapcore.SecondsDurationEncoder
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.NewAtomicLevelAt(zapLevel))

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)).With(
		zap.String("service", serviceName),
		zap.String("environment", environment),
	), nil
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// MaskIdentifier masks a phone number or email address for logging
// (e.g. +49******89, j***@example.com).
func MaskIdentifier(identifier string) string {
	if at := strings.LastIndex(identifier, "@"); at > 0 {
		local, domain := identifier[:at], identifier[at:]
		return local[:1] + strings.Repeat("*", len(local)-1) + domain
	}
	if len(identifier) <= 4 {
		return "****"
	}
	return identifier[:2] + strings.Repeat("*", len(identifier)-4) + identifier[len(identifier)-2:]
}

// Identifier is a zap field carrying a masked identifier.
func Identifier(identifier string) zap.Field {
	return zap.String("identifier", MaskIdentifier(identifier))
}
