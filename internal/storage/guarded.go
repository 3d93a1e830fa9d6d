package storage

import (
	"context"

	"github.com/restopos/datacache/internal/circuit"
	cerrors "github.com/restopos/datacache/pkg/errors"
	"github.com/restopos/datacache/pkg/types"
)

// Guarded routes every call to a tier through a circuit breaker so an
// unreachable backend fails fast instead of stalling each cache read
type Guarded struct {
	inner   types.Storage
	breaker *circuit.Breaker
}

var (
	_ types.SizedStorage = (*Guarded)(nil)
	_ types.Closer       = (*Guarded)(nil)
)

// NewGuarded wraps inner. Errors that say nothing about the backend being
// reachable, such as a full quota or a corrupt entry, do not trip it.
func NewGuarded(inner types.Storage, name string, config circuit.Config) *Guarded {
	if config.IsFailure == nil {
		config.IsFailure = IsBackendFailure
	}
	return &Guarded{
		inner:   inner,
		breaker: circuit.New(name, config),
	}
}

// IsBackendFailure reports errors that suggest the backend is down
func IsBackendFailure(err error) bool {
	if err == nil {
		return false
	}
	code, ok := cerrors.CodeOf(err)
	if !ok {
		return true
	}
	switch code {
	case cerrors.ErrCodeQuotaExceeded, cerrors.ErrCodeEntryCorrupt,
		cerrors.ErrCodeNotFound, cerrors.ErrCodeInvalidArgument,
		cerrors.ErrCodeOperationCanceled:
		return false
	}
	return true
}

// Inner returns the wrapped tier
func (g *Guarded) Inner() types.Storage { return g.inner }

// Breaker returns the breaker guarding the tier
func (g *Guarded) Breaker() *circuit.Breaker { return g.breaker }

func (g *Guarded) Read(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		value, found, err = g.inner.Read(ctx, key)
		return err
	})
	return value, found, err
}

func (g *Guarded) Write(ctx context.Context, key string, value []byte) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.inner.Write(ctx, key, value)
	})
}

func (g *Guarded) Delete(ctx context.Context, key string) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.inner.Delete(ctx, key)
	})
}

func (g *Guarded) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		keys, err = g.inner.ListKeys(ctx, prefix)
		return err
	})
	return keys, err
}

// Size delegates to SizeOf on the wrapped tier
func (g *Guarded) Size(ctx context.Context) (int64, error) {
	var size int64
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		size, err = SizeOf(ctx, g.inner)
		return err
	})
	return size, err
}

// Close closes the wrapped tier if it holds resources
func (g *Guarded) Close() error {
	if c, ok := g.inner.(types.Closer); ok {
		return c.Close()
	}
	return nil
}
