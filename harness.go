package qlean

import "context"

// WithMachine brackets a full machine lifecycle around fn: Init, Spawn,
// the callback, Shutdown, and a guaranteed Teardown on every exit path,
// including panics.
func WithMachine(ctx context.Context, img *Image, cfg *MachineConfig, fn func(*Machine) error) (err error) {
	m, err := NewMachine(img, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if terr := m.Teardown(); err == nil {
			err = terr
		}
	}()

	if err = m.Init(ctx); err != nil {
		return err
	}
	if err = m.Spawn(ctx); err != nil {
		return err
	}
	if err = fn(m); err != nil {
		return err
	}
	return m.Shutdown(ctx)
}

// WithPool brackets a pool around fn, closing it on every exit path.
func WithPool(ctx context.Context, fn func(*Pool) error) (err error) {
	p := NewPool()
	defer func() {
		if cerr := p.Close(ctx); err == nil {
			err = cerr
		}
	}()
	return fn(p)
}
