// Package errgroup runs a set of goroutines that share a cancellation context
// and recovers their panics.
package errgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/runtime"
)

// ErrPanicRecovered wraps a panic raised by a group goroutine.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group cancels its context on the first error and reports that error from
// Wait.
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
	logger  log.Logger
}

// WithContext returns a Group and the context it cancels.
func WithContext(ctx context.Context) (*Group, context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	return &Group{ctx: ctx, cancel: cancel}, ctx
}

// SetLogger configures the logger used when a goroutine panics.
func (g *Group) SetLogger(logger log.Logger) {
	if g != nil {
		g.logger = logger
	}
}

// Go starts fn in a new goroutine.
func (g *Group) Go(fn func() error) {
	g.wg.Add(1)

	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				ctx := g.ctx
				if ctx == nil {
					ctx = context.Background()
				}

				runtime.HandlePanicValue(ctx, g.logger, r, "errgroup", "group.Go")
				g.fail(fmt.Errorf("%w: %v", ErrPanicRecovered, r))
			}
		}()

		if err := fn(); err != nil {
			g.fail(err)
		}
	}()
}

func (g *Group) fail(err error) {
	g.errOnce.Do(func() {
		g.err = err
		if g.cancel != nil {
			g.cancel()
		}
	})
}

// Wait blocks until every goroutine returns and yields the first error.
func (g *Group) Wait() error {
	g.wg.Wait()

	if g.cancel != nil {
		g.cancel()
	}

	return g.err
}
