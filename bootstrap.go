package eventbus

import (
	"go.uber.org/zap"
)

// Entry is one handler a module contributes at startup.
type Entry struct {
	EventName string
	Handler   HandlerFunc
	Options   HandlerOptions
}

// Registrar is satisfied by both Registry and Bus.
type Registrar interface {
	Register(eventName string, handler HandlerFunc, opts HandlerOptions) (string, error)
}

type BootstrapFailure struct {
	Entry Entry
	Err   error
}

type BootstrapReport struct {
	Registered []string
	Failed     []BootstrapFailure
}

func (r BootstrapReport) OK() bool {
	return len(r.Failed) == 0
}

// Bootstrap registers every entry in order. A failing entry is logged and skipped.
func Bootstrap(r Registrar, entries []Entry, logger *zap.Logger) BootstrapReport {
	if logger == nil {
		logger = zap.NewNop()
	}

	var report BootstrapReport
	for _, entry := range entries {
		id, err := r.Register(entry.EventName, entry.Handler, entry.Options)
		if err != nil {
			logger.Error("Failed to register handler",
				zap.String("event_name", entry.EventName),
				zap.String("module", entry.Options.Module),
				zap.String("handler", entry.Options.HandlerID),
				zap.Error(err),
			)
			report.Failed = append(report.Failed, BootstrapFailure{Entry: entry, Err: err})
			continue
		}

		logger.Info("Handler registered",
			zap.String("event_name", entry.EventName),
			zap.String("module", entry.Options.Module),
			zap.String("handler", id),
		)
		report.Registered = append(report.Registered, id)
	}

	logger.Info("Bootstrap finished",
		zap.Int("registered", len(report.Registered)),
		zap.Int("failed", len(report.Failed)),
	)
	return report
}
