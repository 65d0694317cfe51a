package tracking

import "go.uber.org/zap"

const (
	fieldUserID       = "user_id"
	fieldRepositoryID = "repository_id"
	fieldDay          = "day"
	fieldFromDay      = "from_day"
)

var noOpLogger = zap.NewNop()

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("tracking service error", attrs...)
}
