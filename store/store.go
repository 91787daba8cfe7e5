// Package store defines the aggregate persistence interface implemented by
// every Entitle backend.
package store

import (
	"context"

	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/usage"
)

// Store is the unified storage interface for all Entitle entities.
// Method names are prefixed by entity so the domain interfaces embed
// without conflicts.
type Store interface {
	plan.Store
	subscription.Store
	usage.Store

	// Migrate creates or upgrades the backend schema.
	Migrate(ctx context.Context) error
	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}
