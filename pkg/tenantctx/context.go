package tenantctx

import (
	"context"

	"github.com/google/uuid"
)

type keyType string

const (
	TenantIDKey keyType = "tenant_id"
)

func WithTenantID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, TenantIDKey, id)
}

func TenantID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(TenantIDKey).(uuid.UUID)
	return id, ok
}
