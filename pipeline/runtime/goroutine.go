package runtime

import (
	"context"

	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
)

// SafeGo runs fn in a goroutine guarded by panic recovery.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer RecoverWithPolicyAndContext(context.Background(), logger, "pipeline", name, policy)

		fn()
	}()
}

// SafeGoWithContextAndComponent runs fn in a goroutine guarded by panic
// recovery that records the panic against component and name.
func SafeGoWithContextAndComponent(
	ctx context.Context,
	logger log.Logger,
	component, name string,
	policy PanicPolicy,
	fn func(context.Context),
) {
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer RecoverWithPolicyAndContext(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}
