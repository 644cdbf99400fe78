package x402

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Log categories
const (
	LogCategoryOrchestrator = "orchestrator"
	LogCategoryGasless      = "gasless"
	LogCategoryStandard     = "standard"
	LogCategoryBatch        = "batch"
	LogCategoryGate         = "gate"
	LogCategoryFacilitator  = "facilitator"
	LogCategoryHistory      = "history"
)

// NewLogger returns a JSON logger at Info level, or Debug when debug is set
func NewLogger(debug bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// NopLogger discards everything. Used as the default for library components.
func NopLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// WithCategory tags log entries with a component category
func WithCategory(logger logrus.FieldLogger, category string) *logrus.Entry {
	if logger == nil {
		logger = NopLogger()
	}
	return logger.WithField("category", category)
}
