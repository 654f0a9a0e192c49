package live

import (
	"context"
	"sync"
)

// Registry tracks open cameras so every acquisition is released on every exit path.
// A camera holds at most one grant at a time.
type Registry struct {
	mu     sync.Mutex
	active map[string]*Grant
}

// NewRegistry returns a registry with no cameras held.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Grant)}
}

// Grant is one acquisition of a camera.
type Grant struct {
	Camera Camera

	reg  *Registry
	once sync.Once
	err  error
}

// Acquire opens cam and records the grant. It fails with ErrCameraBusy while cam is held.
func (r *Registry) Acquire(ctx context.Context, cam Camera) (*Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.active[cam.Name()]; held {
		return nil, ErrCameraBusy
	}
	if err := cam.Open(ctx); err != nil {
		return nil, err
	}
	g := &Grant{Camera: cam, reg: r}
	r.active[cam.Name()] = g
	return g, nil
}

// Release closes the camera and forgets the grant. Later calls return the first result.
func (g *Grant) Release() error {
	g.once.Do(func() {
		g.reg.mu.Lock()
		if g.reg.active[g.Camera.Name()] == g {
			delete(g.reg.active, g.Camera.Name())
		}
		g.reg.mu.Unlock()
		g.err = g.Camera.Close()
	})
	return g.err
}

// Active returns the number of cameras currently held.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// ReleaseAll drops every grant; used on process shutdown.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	grants := make([]*Grant, 0, len(r.active))
	for _, g := range r.active {
		grants = append(grants, g)
	}
	r.mu.Unlock()
	for _, g := range grants {
		_ = g.Release()
	}
}
