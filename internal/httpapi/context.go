package httpapi

import (
	"context"
	"net/http"
	"time"
)

// daemonCtx ends when the daemon shuts down. Long handlers (deploy,
// evaluate) run under it as well as under the request.
var daemonCtx = context.Background()

// SetBaseContext sets the daemon context. nil resets it to Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	daemonCtx = ctx
}

// workContext derives the context for a long-running handler: it is done
// when the client goes away, the daemon shuts down, or timeout passes
// (zero disables the timeout).
func workContext(r *http.Request, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(daemonCtx, cancel)
	if timeout <= 0 {
		return ctx, func() { stop(); cancel() }
	}
	tctx, tcancel := context.WithTimeout(ctx, timeout)
	return tctx, func() { tcancel(); stop(); cancel() }
}
