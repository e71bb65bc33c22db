package profiler

import "context"

// Passive never sends benchmark traffic. The driver tells the module to exit
// when the run ends and Passive signals on the module's next message.
type Passive struct {
	*coordinator
}

// NewPassive subscribes to module's responses.
func NewPassive(ctx context.Context, m Mux, module string, opts ...Option) (*Passive, error) {
	c, err := newCoordinator(m, ModePassive, module, opts)
	if err != nil {
		return nil, err
	}
	p := &Passive{coordinator: c}
	if err := c.listen(ctx, func([]byte) { p.signal() }); err != nil {
		return nil, err
	}
	return p, nil
}

// Exit publishes exit to the module.
func (p *Passive) Exit() {
	p.publish(Exit, false)
}
