package transport

import (
	"context"

	"go.uber.org/zap"

	"github.com/signalix/identity/internal/logger"
)

// Log writes notifications to the application log instead of delivering
// them. Only meant for local development.
type Log struct {
	log *zap.Logger
}

var _ Gateway = (*Log)(nil)

// NewLog creates a development gateway
func NewLog(log *zap.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.log.Info("notification (dev transport)",
		zap.String("channel", string(msg.Channel)),
		logger.Identifier(msg.Destination),
		zap.String("body", msg.Body),
	)
	return nil
}
