package messagebus

import (
	"context"
	"sync"

	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
)

// Transport delivers envelopes to a broker.
type Transport interface {
	// Send delivers env to env.Queue. Implementations honor DeliverAt when
	// SupportsDelay reports true; otherwise delivery is immediate.
	Send(ctx context.Context, env *Envelope) error
	// SupportsDelay reports whether DeliverAt is enforced by the broker.
	SupportsDelay() bool
	Close() error
}

// DelayFallback logs once per queue when a delayed envelope is delivered
// immediately because the transport cannot defer it.
type DelayFallback struct {
	warned sync.Map
}

// Warn logs the fallback for queue the first time it happens.
func (d *DelayFallback) Warn(ctx context.Context, logger log.Logger, transport string, env *Envelope) {
	if d == nil || env == nil || logger == nil {
		return
	}

	if _, loaded := d.warned.LoadOrStore(env.Queue, struct{}{}); loaded {
		return
	}

	logger.Log(ctx, log.LevelWarn, "transport cannot defer delivery; delayed messages are sent immediately",
		log.String("transport", transport),
		log.String("queue", env.Queue),
	)
}
