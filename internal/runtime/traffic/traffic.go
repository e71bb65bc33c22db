// Package traffic generates synthetic benchmark payloads whose sizes follow
// a Chinese restaurant process: sizes repeat with a frequency proportional to
// how often they were drawn, and new sizes appear with weight alpha.
package traffic

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/drblury/silverline/internal/runtime/errors"
)

// Marker starts every generated payload.
const Marker = ">>> "

const (
	DefaultAlpha    = 1.0
	DefaultMeanSize = 1000
	DefaultMinSize  = len(Marker)
)

// Prior draws the value of a newly opened table.
type Prior func(r *rand.Rand) int

// Geometric returns a prior over {1, 2, ...} with the given mean.
func Geometric(mean float64) Prior {
	p := 1.0
	if mean > 1 {
		p = 1 / mean
	}
	return func(r *rand.Rand) int {
		if p >= 1 {
			return 1
		}
		// Inverse CDF; 1-U is in (0, 1] so the log is finite.
		k := math.Ceil(math.Log(1-r.Float64()) / math.Log1p(-p))
		if k < 1 {
			return 1
		}
		return int(k)
	}
}

// Table is one cluster of the process.
type Table struct {
	Occupancy int
	Value     int
}

// Option configures a Generator.
type Option func(*Generator)

// WithSeed makes the generator deterministic.
func WithSeed(seed uint64) Option {
	return func(g *Generator) {
		var key [32]byte
		for i := 0; i < 8; i++ {
			key[i] = byte(seed >> (8 * i))
		}
		g.src = rand.NewChaCha8(key)
	}
}

// WithMinSize sets the constant added to every drawn size. Values below the
// marker length are raised to it.
func WithMinSize(n int) Option {
	return func(g *Generator) { g.minSize = max(n, len(Marker)) }
}

// Generator is not safe for concurrent use; each profiling coordinator owns
// one.
type Generator struct {
	alpha   float64
	prior   Prior
	minSize int

	src    *rand.ChaCha8
	rng    *rand.Rand
	tables []Table
	draws  int
}

// New returns a generator with concentration alpha.
func New(alpha float64, prior Prior, opts ...Option) (*Generator, error) {
	if alpha < 0 || math.IsNaN(alpha) || math.IsInf(alpha, 0) {
		return nil, errors.ErrInvalidAlpha
	}
	if prior == nil {
		return nil, errors.ErrPriorRequired
	}
	g := &Generator{alpha: alpha, prior: prior, minSize: DefaultMinSize}
	for _, opt := range opts {
		opt(g)
	}
	if g.src == nil {
		WithSeed(uint64(time.Now().UnixNano()) ^ rand.Uint64())(g)
	}
	g.rng = rand.New(g.src)
	return g, nil
}

// NewDefault returns a generator with a geometric prior of the given mean.
func NewDefault(alpha float64, meanSize int, opts ...Option) (*Generator, error) {
	if meanSize <= 0 {
		meanSize = DefaultMeanSize
	}
	return New(alpha, Geometric(float64(meanSize)), opts...)
}

// Draw samples a value and updates the table state.
func (g *Generator) Draw() int {
	g.draws++
	total := g.alpha + float64(g.draws-1)
	if total <= 0 {
		return g.open()
	}
	u := g.rng.Float64() * total
	if u < g.alpha {
		return g.open()
	}
	u -= g.alpha
	for i := range g.tables {
		u -= float64(g.tables[i].Occupancy)
		if u < 0 {
			g.tables[i].Occupancy++
			return g.tables[i].Value
		}
	}
	// Rounding left u at the top edge.
	if len(g.tables) == 0 {
		return g.open()
	}
	last := &g.tables[len(g.tables)-1]
	last.Occupancy++
	return last.Value
}

func (g *Generator) open() int {
	v := g.prior(g.rng)
	g.tables = append(g.tables, Table{Occupancy: 1, Value: v})
	return v
}

// Next returns the size of the next payload.
func (g *Generator) Next() int {
	return g.Draw() + g.minSize
}

// Generate returns a payload of Next() bytes: the marker followed by random
// bytes.
func (g *Generator) Generate() []byte {
	buf := make([]byte, g.Next())
	copy(buf, Marker)
	_, _ = g.src.Read(buf[len(Marker):])
	return buf
}

// Tables returns a copy of the table state in opening order.
func (g *Generator) Tables() []Table {
	return append([]Table(nil), g.tables...)
}

// Draws returns the number of values drawn so far.
func (g *Generator) Draws() int {
	return g.draws
}
