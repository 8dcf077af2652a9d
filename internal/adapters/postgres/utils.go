package postgres

import (
	"context"
	"time"

	"github.com/pgvector/pgvector-go"
)

const DefaultQueryTimeout = 30 * time.Second

// withTimeout applies the default query timeout unless the caller
// already set a deadline.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultQueryTimeout)
}

// vectorPtr converts a raw embedding to its pgvector form, mapping an
// empty slice to NULL.
func vectorPtr(embedding []float32) *pgvector.Vector {
	if len(embedding) == 0 {
		return nil
	}
	v := pgvector.NewVector(embedding)
	return &v
}
