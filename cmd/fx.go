package cmd

import (
	"log/slog"
	"os"

	"github.com/webitel/tcp-relay-proxy/config"
	"github.com/webitel/tcp-relay-proxy/infra/logger"
	"github.com/webitel/tcp-relay-proxy/infra/poller"
	"github.com/webitel/tcp-relay-proxy/internal/relay"
	"github.com/webitel/tcp-relay-proxy/internal/upstream"
	"go.uber.org/fx"
)

func NewApp(cfg *config.ProxyConfig) *fx.App {
	return fx.New(
		// The log sink speaks a fixed line protocol on stdout; fx must not
		// interleave its own event log with it.
		fx.NopLogger,
		fx.Provide(
			func() *config.ProxyConfig { return cfg },
			ProvideSink,
			ProvideLogger,
			ProvideEventSource,
		),
		upstream.Module,
		relay.Module,
	)
}

func ProvideSink(cfg *config.ProxyConfig) *logger.Sink {
	return logger.New(os.Stdout, cfg.FlushAfterLog)
}

func ProvideLogger(sink *logger.Sink) *slog.Logger {
	return logger.NewSlog(sink)
}

func ProvideEventSource(sink *logger.Sink) (poller.EventSource, error) {
	return poller.New(sink)
}
