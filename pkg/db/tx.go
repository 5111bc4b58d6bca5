package db

import (
	"context"

	"gorm.io/gorm"
)

type txKey struct{}

// WithTx stores an open transaction handle in the context so that nested
// service calls join it instead of opening their own.
func WithTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// FromContext returns the transaction carried by ctx, or fallback when
// the caller did not open one.
func FromContext(ctx context.Context, fallback *gorm.DB) *gorm.DB {
	if ctx == nil {
		return fallback
	}
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return fallback
}
