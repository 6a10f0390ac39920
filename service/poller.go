package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Poller fetches one resource on a fixed interval. Fetches may overlap when
// the upstream is slower than the interval; every fetch is tagged with a
// sequence number and a result older than one already delivered is dropped.
type Poller[T any] struct {
	name     string
	interval time.Duration
	fetch    func(ctx context.Context) (T, error)
	apply    func(T)
	fail     func(error)
	log      zerolog.Logger

	mu        sync.Mutex
	issued    uint64
	delivered uint64
}

func NewPoller[T any](
	name string,
	interval time.Duration,
	fetch func(ctx context.Context) (T, error),
	apply func(T),
	fail func(error),
	log zerolog.Logger,
) *Poller[T] {
	return &Poller[T]{
		name:     name,
		interval: interval,
		fetch:    fetch,
		apply:    apply,
		fail:     fail,
		log:      log.With().Str("poller", name).Logger(),
	}
}

// Run fetches immediately and then on every tick until ctx is done. It
// returns once in-flight fetches have finished.
func (p *Poller[T]) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	launch := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Tick(ctx)
		}()
	}

	launch()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			launch()
		}
	}
}

// Tick performs one fetch and reports whether its outcome was delivered.
func (p *Poller[T]) Tick(ctx context.Context) bool {
	p.mu.Lock()
	p.issued++
	seq := p.issued
	p.mu.Unlock()

	v, err := p.fetch(ctx)
	if err != nil && ctx.Err() != nil {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if seq <= p.delivered {
		p.log.Debug().Uint64("seq", seq).Uint64("delivered", p.delivered).Msg("Discarding out-of-order poll result")
		return false
	}
	p.delivered = seq

	if err != nil {
		if p.fail != nil {
			p.fail(err)
		}
		return true
	}
	p.apply(v)
	return true
}
