package profiler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/silverline/internal/runtime/traffic"
)

// Timed keeps a request/response loop running against one module until Stop
// is called; the next response after that is answered with exit.
type Timed struct {
	*coordinator

	delay   time.Duration
	stopped atomic.Bool

	genMu sync.Mutex
	gen   *traffic.Generator
}

// NewTimed subscribes to module's responses.
func NewTimed(ctx context.Context, m Mux, module string, gen *traffic.Generator, delay time.Duration, opts ...Option) (*Timed, error) {
	c, err := newCoordinator(m, ModeTimed, module, opts)
	if err != nil {
		return nil, err
	}
	t := &Timed{coordinator: c, delay: delay, gen: gen}
	if err := c.listen(ctx, t.onResponse); err != nil {
		return nil, err
	}
	return t, nil
}

// Stop ends the loop at the next response.
func (t *Timed) Stop() {
	t.stopped.Store(true)
}

func (t *Timed) onResponse([]byte) {
	if t.stopped.Load() {
		t.exit()
		return
	}
	t.sendAfter(t.delay, t.next)
}

func (t *Timed) next() []byte {
	t.genMu.Lock()
	defer t.genMu.Unlock()
	return t.gen.Generate()
}
