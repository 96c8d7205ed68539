package orchestrator

import (
	"context"
	"fmt"

	"github.com/martinothamar/altinn-tools-sub000/internal/config"
	"github.com/martinothamar/altinn-tools-sub000/internal/monitoring"
)

// StaticDiscoverer implements Discoverer over a fixed tenant list, for
// deployments without access to a control-plane discovery source.
// The list is validated once at construction.
type StaticDiscoverer struct {
	owners []monitoring.ServiceOwner
}

// NewStaticDiscoverer validates the tenant tokens and builds a discoverer.
func NewStaticDiscoverer(tokens []string) (*StaticDiscoverer, error) {
	owners := make([]monitoring.ServiceOwner, 0, len(tokens))

	for _, token := range tokens {
		owner, err := monitoring.NewServiceOwner(token)
		if err != nil {
			return nil, fmt.Errorf("invalid service owner in static discovery list: %w", err)
		}

		owners = append(owners, owner)
	}

	return &StaticDiscoverer{owners: owners}, nil
}

// LoadStaticDiscoverer builds a StaticDiscoverer from the
// MONITOR_SERVICE_OWNERS environment variable (comma-separated tokens).
func LoadStaticDiscoverer() (*StaticDiscoverer, error) {
	return NewStaticDiscoverer(config.ParseCommaSeparatedList(config.GetEnvStr("MONITOR_SERVICE_OWNERS", "")))
}

// Discover returns the configured tenant set.
func (d *StaticDiscoverer) Discover(_ context.Context) ([]monitoring.ServiceOwner, error) {
	owners := make([]monitoring.ServiceOwner, len(d.owners))
	copy(owners, d.owners)

	return owners, nil
}
