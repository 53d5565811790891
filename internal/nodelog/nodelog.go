// Package nodelog constructs the single *zap.Logger shared across the
// node. Logs go to stderr — stdout is reserved for the Maelstrom
// protocol and must never carry anything but reply lines.
package nodelog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-shaped logger writing JSON lines to stderr.
func New(nodeID string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op logger rather than crash on log setup.
		logger = zap.NewNop()
	}
	if nodeID != "" {
		logger = logger.With(zap.String("node_id", nodeID))
	}
	return logger
}
