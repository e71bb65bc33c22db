package profiler

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/silverline/internal/runtime/traffic"
)

// Active runs a fixed number of request/response rounds against one module.
type Active struct {
	*coordinator

	n     int
	delay time.Duration

	genMu sync.Mutex
	gen   *traffic.Generator

	// Starts at -1: the module's first message acknowledges its startup and
	// does not answer a request.
	idx int
}

// NewActive subscribes to module's responses. The module drives the first
// round with its startup acknowledgement.
func NewActive(ctx context.Context, m Mux, module string, gen *traffic.Generator, n int, delay time.Duration, opts ...Option) (*Active, error) {
	c, err := newCoordinator(m, ModeActive, module, opts)
	if err != nil {
		return nil, err
	}
	a := &Active{coordinator: c, n: n, delay: delay, gen: gen, idx: -1}
	if err := c.listen(ctx, a.onResponse); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Active) onResponse([]byte) {
	a.idx++
	if a.idx > 0 {
		a.reportProgress(a.idx, a.n)
	}
	if a.idx >= a.n {
		a.exit()
		return
	}
	a.sendAfter(a.delay, a.next)
}

func (a *Active) next() []byte {
	a.genMu.Lock()
	defer a.genMu.Unlock()
	return a.gen.Generate()
}
