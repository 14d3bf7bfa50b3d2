package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"coinx.com/pkg/logger"
	"coinx.com/pkg/metrics"
)

// Go runs fn on its own goroutine behind a recover guard. Every launch
// names its component (matcher, ws pump, session) so a recovered panic
// is attributable and counted per component. A panic in one matcher
// must never take the process down with it.
func Go(component string, fn func()) {
	go func() {
		defer rescue(context.Background(), component)
		fn()
	}()
}

// GoCtx threads a context through so the trace id survives into the
// panic log line.
func GoCtx(ctx context.Context, component string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer rescue(ctx, component)
		fn(ctx)
	}()
}

func rescue(ctx context.Context, component string) {
	r := recover()
	if r == nil {
		return
	}
	metrics.PanicsRecovered.WithLabelValues(component).Inc()

	stack := string(debug.Stack())
	if logger.Log != nil {
		logger.Error(ctx, "goroutine panic recovered",
			zap.String("component", component),
			zap.Any("panic", r),
			zap.String("stack", stack),
		)
		return
	}
	fmt.Printf("goroutine panic in %s: %v\nstack: %s\n", component, r, stack)
}
