// Package upstream owns the remote endpoint pool.
//
// Selection is uniform over the pool. Each endpoint additionally carries a
// two-step circuit breaker fed by connect outcomes; an open breaker steers
// selection toward healthy endpoints but never removes the last resort:
// when every breaker is open the original uniform pick is used anyway, so
// a single-endpoint pool always yields its endpoint and an all-healthy
// pool stays exactly uniform.
package upstream

import (
	"log/slog"
	"math/rand/v2"

	"github.com/sony/gobreaker"
	"github.com/webitel/tcp-relay-proxy/config"
)

// Selection is one picked endpoint. Done must be called exactly once with
// the connect outcome; it feeds the endpoint's breaker.
type Selection struct {
	Endpoint config.Endpoint
	Index    int
	Done     func(success bool)
}

type Pool struct {
	entries []entry

	// intn is the selection source; tests substitute a deterministic one.
	intn func(n int) int
}

type entry struct {
	endpoint config.Endpoint
	breaker  *gobreaker.TwoStepCircuitBreaker
}

func New(cfg *config.ProxyConfig, log *slog.Logger) *Pool {
	p := &Pool{intn: rand.IntN}
	for _, ep := range cfg.Upstreams {
		name := ep.Display.String()
		p.entries = append(p.entries, entry{
			endpoint: ep,
			breaker: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
				Name: name,
				OnStateChange: func(name string, from, to gobreaker.State) {
					log.Info("remote endpoint breaker state changed",
						slog.String("endpoint", name),
						slog.String("from", from.String()),
						slog.String("to", to.String()))
				},
			}),
		})
	}
	return p
}

func (p *Pool) Len() int {
	return len(p.entries)
}

// Pick selects an endpoint uniformly at random. If the picked endpoint's
// breaker rejects, the scan continues from a second random offset; if no
// breaker allows, the original pick wins with a no-op Done.
func (p *Pool) Pick() Selection {
	i := p.intn(len(p.entries))
	if sel, ok := p.allow(i); ok {
		return sel
	}
	start := p.intn(len(p.entries))
	for k := 0; k < len(p.entries); k++ {
		j := (start + k) % len(p.entries)
		if j == i {
			continue
		}
		if sel, ok := p.allow(j); ok {
			return sel
		}
	}
	return Selection{
		Endpoint: p.entries[i].endpoint,
		Index:    i,
		Done:     func(bool) {},
	}
}

func (p *Pool) allow(i int) (Selection, bool) {
	done, err := p.entries[i].breaker.Allow()
	if err != nil {
		return Selection{}, false
	}
	return Selection{
		Endpoint: p.entries[i].endpoint,
		Index:    i,
		Done:     done,
	}, true
}
