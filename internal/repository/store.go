package repository

import (
	"context"
	"errors"
	"time"

	v1 "rollgate/pkg/api/v1"
)

var ErrNotFound = errors.New("not found")

// FlagStore persists flag configs and override entries. PutFlag overwrites;
// bumping Version is the caller's job. WithLock serializes critical sections
// per key with the store's Locker.
type FlagStore interface {
	GetFlag(ctx context.Context, namespace, key string) (*v1.FlagConfig, error)
	PutFlag(ctx context.Context, cfg *v1.FlagConfig) error
	// ListFlags returns every flag of namespace, or all flags when namespace is "".
	ListFlags(ctx context.Context, namespace string) ([]*v1.FlagConfig, error)
	// ListOverrides filters by namespace and flag; "" matches any.
	ListOverrides(ctx context.Context, namespace, flag string) ([]v1.OverrideEntry, error)
	PutOverride(ctx context.Context, entry v1.OverrideEntry) error
	RemoveOverride(ctx context.Context, namespace, flag string, scope v1.OverrideScope) error
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

func flagID(namespace, key string) string {
	return namespace + "/" + key
}

func overrideID(namespace, flag string, scope v1.OverrideScope) string {
	return namespace + "/" + flag + "/" + scope.String()
}
