package cache

import (
	"context"
	"time"

	"billkart/backend/internal/domain"
)

// ProductCache is a read-through mirror of the catalog. It is never the
// source of truth: every successful catalog or invoice write invalidates the
// touched ids explicitly.
type ProductCache interface {
	Get(ctx context.Context, id string) (*domain.Product, bool, error)
	Set(ctx context.Context, product domain.Product, ttl time.Duration) error
	Invalidate(ctx context.Context, ids ...string) error
}

type NoopProductCache struct{}

func (NoopProductCache) Get(_ context.Context, _ string) (*domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopProductCache) Set(_ context.Context, _ domain.Product, _ time.Duration) error {
	return nil
}

func (NoopProductCache) Invalidate(_ context.Context, _ ...string) error {
	return nil
}
