package service

import (
	"context"
	"time"

	"escrow-service/internal/models"
	"escrow-service/internal/util"

	"go.uber.org/zap"
)

// CatalogClient resolves products for new deals (fast path via Redis)
type CatalogClient struct {
	store  ProductStore
	cache  PriceCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCatalogClient creates a catalog client. cache may be nil.
func NewCatalogClient(store ProductStore, cache PriceCache, ttl time.Duration) *CatalogClient {
	return &CatalogClient{
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: util.GetLogger(),
	}
}

// GetProduct returns the listing with its current price
func (cc *CatalogClient) GetProduct(ctx context.Context, productID string) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "CatalogClient.GetProduct")
	defer span.End()

	if cc.cache != nil {
		product, ok, err := cc.cache.GetCachedProduct(ctx, productID)
		if err != nil {
			cc.logger.Warn("Product cache read failed, falling back to DB",
				zap.String("product_id", productID),
				zap.Error(err))
		} else if ok {
			return product, nil
		}
	}

	product, err := cc.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	if cc.cache != nil && cc.ttl > 0 {
		if err := cc.cache.CacheProduct(ctx, product, cc.ttl); err != nil {
			cc.logger.Warn("Failed to cache product",
				zap.String("product_id", productID),
				zap.Error(err))
		}
	}
	return product, nil
}
