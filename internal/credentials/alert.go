package credentials

import (
	"context"

	"go.uber.org/zap"

	"ocpihub.org/internal/obs"
)

// Alerter notifies operators of conditions that need a human.
type Alerter interface {
	Alert(ctx context.Context, subject string, fields map[string]string)
}

// LogAlerter raises alerts as error-level log lines tagged alert=true.
type LogAlerter struct {
	Logger *zap.Logger
}

func (a LogAlerter) Alert(_ context.Context, subject string, fields map[string]string) {
	l := a.Logger
	if l == nil {
		l = obs.Logger()
	}
	zf := make([]zap.Field, 0, len(fields)+1)
	zf = append(zf, zap.Bool("alert", true))
	for k, v := range fields {
		zf = append(zf, zap.String(k, v))
	}
	l.Error(subject, zf...)
}
