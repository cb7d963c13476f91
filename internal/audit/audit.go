// Package audit is the append-only event log for security-relevant state
// mutations. Events are structured zap entries on a dedicated named logger so
// downstream log pipelines can route them separately from request logs.
package audit

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Event types emitted by the synchronizer.
const (
	EventStateSavedLarge     = "state_saved_large"
	EventOrphanedBlob        = "orphaned_blob"
	EventDeleteAttempted     = "delete_attempted"
	EventDeleteCompleted     = "delete_completed"
	EventMetadataUpdated     = "metadata_updated"
	EventMetadataUpdateRaced = "metadata_update_raced"
)

type Sink struct {
	logger *zap.Logger
}

func NewSink(logger *zap.Logger) *Sink {
	return &Sink{logger: logger.Named("audit")}
}

func (s *Sink) Emit(event string, fields ...zap.Field) {
	s.logger.Info(event, fields...)
}

// NewLogger builds the service-wide production zap logger.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn", "warning":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
