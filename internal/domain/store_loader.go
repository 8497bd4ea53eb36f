package domain

import (
	"context"
	"fmt"
)

// LoadNameCacheFromRepository seeds the in-memory cache with names
// persisted by earlier launches.
func LoadNameCacheFromRepository(ctx context.Context, cache *NameCache, repo NameRepository) error {
	names, err := repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load display names from db: %w", err)
	}
	cache.Load(names)

	return nil
}
