// Package limiter locks out callback sources after repeated authentication failures.
package limiter

import (
	"context"
	"time"
)

// Limiter tracks signature failures per source and places temporary lockouts.
type Limiter interface {
	// Allow reports whether the source may be served and, if not, for how long it stays locked.
	Allow(ctx context.Context, sourceHash []byte) (bool, time.Duration, error)
	// Success resets the failure counter after a correctly signed delivery.
	Success(ctx context.Context, sourceHash []byte) error
	// Failure records a bad signature; it may lock the source out.
	Failure(ctx context.Context, sourceHash []byte) (bool, time.Duration, error)
}
