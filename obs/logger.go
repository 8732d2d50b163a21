package obs

import "go.uber.org/zap"

// NewLogger builds the process-wide *zap.Logger: JSON production config in
// normal operation, human-readable development config when DEV_LOGGING is
// requested by the caller. Built once at main and passed down explicitly —
// no package-level loggers anywhere in this module.
func NewLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
