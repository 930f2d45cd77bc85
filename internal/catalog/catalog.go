// ============================================================================
// Cardfarm Remote Catalog Contract
// ============================================================================
//
// Package: internal/catalog
// File: catalog.go
// Purpose: Defines the remote catalog client the farming orchestrator talks to.
//
// The catalog supplies the owner's item-bearing entries, the playtime of an
// entry and the number of items an entry can still drop. Two implementations
// live in this package:
//   - HTTPClient: JSON over HTTP against a catalog service.
//   - Static:     in-memory entries, loadable from a YAML fixture (demo, tests).
//
// Error Classification:
//   - ErrNetwork:     transport failure or 5xx, always retried by the caller.
//   - ErrServiceBusy: the service asked us to slow down, retried with a longer delay.
//   - anything else:  unexpected, fatal to the farming pass.
//
// ============================================================================

package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/cardfarm/pkg/types"
)

var (
	// ErrNetwork indicates the catalog could not be reached or answered with a server error
	ErrNetwork = errors.New("catalog: network failure")

	// ErrServiceBusy indicates the catalog is rate limiting or too busy to answer
	ErrServiceBusy = errors.New("catalog: service busy")

	// ErrUnknownEntry indicates the requested target is not part of the owner's catalog
	ErrUnknownEntry = errors.New("catalog: unknown entry")
)

// Client is the remote catalog contract.
type Client interface {
	// ListEntries returns the owner's item-bearing entries in catalog order.
	ListEntries(ctx context.Context, ownerID string) ([]types.Entry, error)

	// GetPlaytime returns the accumulated playtime of one entry.
	GetPlaytime(ctx context.Context, ownerID string, target types.TargetID) (time.Duration, error)

	// GetRemainingCount returns how many items the entry can still drop (>= 0).
	GetRemainingCount(ctx context.Context, ownerID string, target types.TargetID) (int, error)
}

// IsTransient reports whether err is a failure the caller should retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrServiceBusy)
}
