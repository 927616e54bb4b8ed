package relay

import (
	"context"

	"github.com/webitel/tcp-relay-proxy/config"
	"github.com/webitel/tcp-relay-proxy/infra/logger"
	"github.com/webitel/tcp-relay-proxy/infra/poller"
	"github.com/webitel/tcp-relay-proxy/infra/socket"
	"github.com/webitel/tcp-relay-proxy/internal/upstream"
	"go.uber.org/fx"
	"golang.org/x/sync/errgroup"
)

var Module = fx.Module("relay",
	fx.Provide(provideReactor),
	fx.Invoke(registerLifecycle),
)

func provideReactor(cfg *config.ProxyConfig, events poller.EventSource, pool *upstream.Pool, sink *logger.Sink) *Reactor {
	return New(cfg, events, pool, sink)
}

// registerLifecycle binds the reactor to the application lifecycle: bind
// the listeners, drop the dns privilege, run the loop on its own (and
// only) goroutine, and stop it through the wakeup pipe.
func registerLifecycle(lc fx.Lifecycle, r *Reactor, sink *logger.Sink) {
	var g errgroup.Group
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := r.Bind(); err != nil {
				sink.Flush()
				return err
			}
			if err := socket.PledgeNarrow(); err != nil {
				return err
			}
			g.Go(r.Run)
			return nil
		},
		OnStop: func(context.Context) error {
			r.Shutdown()
			err := g.Wait()
			sink.Flush()
			return err
		},
	})
}
