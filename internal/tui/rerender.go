package tui

// Rerenderer coalesces rerender requests. Notify never blocks, so it can be
// handed to the registry as its rerender callback.
type Rerenderer struct {
	ch chan struct{}
}

func NewRerenderer() *Rerenderer {
	return &Rerenderer{ch: make(chan struct{}, 1)}
}

func (r *Rerenderer) Notify() {
	select {
	case r.ch <- struct{}{}:
	default:
	}
}

func (r *Rerenderer) C() <-chan struct{} {
	return r.ch
}
