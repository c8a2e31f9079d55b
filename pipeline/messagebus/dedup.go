package messagebus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline/dedup"
	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
)

const (
	defaultDedupTTL = 24 * time.Hour
	defaultClaimTTL = 5 * time.Minute
)

// Handler consumes one delivered envelope.
type Handler func(ctx context.Context, env *Envelope) error

// DeduplicatorOption configures a Deduplicator.
type DeduplicatorOption func(*Deduplicator)

// WithDedupTTL sets how long a processed key is remembered.
func WithDedupTTL(ttl time.Duration) DeduplicatorOption {
	return func(d *Deduplicator) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithDedupClaimTTL sets how long an in-progress claim blocks redeliveries.
// It should exceed the longest expected handler run.
func WithDedupClaimTTL(ttl time.Duration) DeduplicatorOption {
	return func(d *Deduplicator) {
		if ttl > 0 {
			d.claimTTL = ttl
		}
	}
}

// WithDedupLogger sets the deduplicator logger.
func WithDedupLogger(logger log.Logger) DeduplicatorOption {
	return func(d *Deduplicator) {
		if !nilcheck.Interface(logger) {
			d.logger = logger
		}
	}
}

// Deduplicator applies each idempotency key at most once per queue.
type Deduplicator struct {
	store    dedup.Store
	ttl      time.Duration
	claimTTL time.Duration
	logger   log.Logger
}

// NewDeduplicator creates a Deduplicator backed by store.
func NewDeduplicator(store dedup.Store, opts ...DeduplicatorOption) (*Deduplicator, error) {
	if nilcheck.Interface(store) {
		return nil, ErrDedupStoreRequired
	}

	d := &Deduplicator{store: store, ttl: defaultDedupTTL, claimTTL: defaultClaimTTL, logger: log.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	return d, nil
}

// Wrap returns a Handler that skips envelopes whose key was already claimed.
// A key is held with the short claim TTL while next runs and kept for the
// full TTL only after next succeeds. The claim is released when next fails
// or panics so a redelivery can retry.
func (d *Deduplicator) Wrap(next Handler) Handler {
	return func(ctx context.Context, env *Envelope) error {
		if next == nil {
			return ErrHandlerRequired
		}

		if env == nil {
			return ErrEnvelopeRequired
		}

		key := env.Queue + ":" + env.DedupKey()

		claimed, err := d.store.Claim(ctx, key, d.claimTTL)
		if err != nil {
			return fmt.Errorf("claiming %s: %w", key, err)
		}

		if !claimed {
			d.logger.Log(ctx, log.LevelDebug, "duplicate message skipped",
				log.String("queue", env.Queue), log.String("key", env.DedupKey()))

			return nil
		}

		defer func() {
			if r := recover(); r != nil {
				d.release(ctx, key)
				panic(r)
			}
		}()

		if err := next(ctx, env); err != nil {
			if releaseErr := d.store.Release(context.WithoutCancel(ctx), key); releaseErr != nil {
				return errors.Join(err, fmt.Errorf("releasing %s: %w", key, releaseErr))
			}

			return err
		}

		if err := d.store.Complete(context.WithoutCancel(ctx), key, d.ttl); err != nil {
			d.logger.Log(ctx, log.LevelWarn, "failed to mark message processed; claim expires early",
				log.String("queue", env.Queue), log.String("key", env.DedupKey()), log.Err(err))
		}

		return nil
	}
}

func (d *Deduplicator) release(ctx context.Context, key string) {
	if err := d.store.Release(context.WithoutCancel(ctx), key); err != nil {
		d.logger.Log(ctx, log.LevelError, "failed to release claim after panic",
			log.String("key", key), log.Err(err))
	}
}
