package broker

import (
	"github.com/miragespace/ctfinstancer/spec"
	"github.com/miragespace/ctfinstancer/spec/broker"

	"go.uber.org/zap"
)

var _ broker.Publisher = &LogPublisher{}

// LogPublisher writes events to the logger. Used when no message broker is configured
type LogPublisher struct {
	Logger *zap.Logger
}

func (l *LogPublisher) Close() {}

func (l *LogPublisher) PublishEvent(e *spec.Event) error {
	l.Logger.Info("Instance event",
		zap.String("RoutingKey", e.RoutingKey()),
		zap.Uint("InstanceID", e.InstanceID),
		zap.Uint("ChallengeID", e.ChallengeID),
		zap.Uint("UserID", e.UserID),
		zap.String("Host", e.Host),
		zap.Time("Expiry", e.Expiry),
	)
	return nil
}
