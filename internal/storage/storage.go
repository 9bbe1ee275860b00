package storage

import (
	"context"
	"errors"

	"github.com/martinsuchenak/protosync/internal/model"
)

var (
	ErrHostNotFound          = errors.New("host not found")
	ErrDiscoveryRuleNotFound = errors.New("discovery rule not found")
	ErrHostPrototypeNotFound = errors.New("host prototype not found")
)

// HostRepository defines host and template lookups
type HostRepository interface {
	GetHosts(ctx context.Context, ids []string) ([]model.Host, error)
	ListHosts(ctx context.Context, filter *model.HostFilter) ([]model.Host, error)
	// FindLinkedHosts returns non-discovered hosts and templates linking to any
	// of templateIDs, restricted to hostIDs when it is not empty.
	FindLinkedHosts(ctx context.Context, templateIDs, hostIDs []string) ([]model.Host, error)
	CreateHost(ctx context.Context, host *model.Host) error
}

// DiscoveryRuleRepository defines discovery rule lookups
type DiscoveryRuleRepository interface {
	GetDiscoveryRules(ctx context.Context, ids []string) ([]model.DiscoveryRule, error)
	ListDiscoveryRules(ctx context.Context, filter *model.DiscoveryRuleFilter) ([]model.DiscoveryRule, error)
	// FindDiscoveryRulesByParentIDs returns rules whose lineage is in parentIDs,
	// restricted to rules owned by hostIDs when it is not empty.
	FindDiscoveryRulesByParentIDs(ctx context.Context, parentIDs, hostIDs []string) ([]model.DiscoveryRule, error)
	CreateDiscoveryRule(ctx context.Context, rule *model.DiscoveryRule) error
}

// HostPrototypeRepository defines host prototype persistence. Returned
// prototypes carry their group links, group prototypes, templates, tags and macros.
type HostPrototypeRepository interface {
	FindHostPrototypesByRuleIDs(ctx context.Context, ruleIDs []string) ([]model.HostPrototype, error)
	ListHostPrototypes(ctx context.Context, filter *model.HostPrototypeFilter) ([]model.HostPrototype, error)
	// SaveHostPrototypes inserts prototypes without an ID and updates the rest,
	// upserting their group rows. It returns the saved prototypes with all IDs set.
	SaveHostPrototypes(ctx context.Context, batch []model.HostPrototype) ([]model.HostPrototype, error)
	// DeleteHostPrototypes removes prototypes and the hosts discovered from them.
	DeleteHostPrototypes(ctx context.Context, ids []string) error
}

// GroupPrototypeRepository defines group prototype removal
type GroupPrototypeRepository interface {
	DeleteGroupPrototypes(ctx context.Context, ids []string) error
}

// Repository groups all repositories available inside and outside a transaction
type Repository interface {
	HostRepository
	DiscoveryRuleRepository
	HostPrototypeRepository
	GroupPrototypeRepository
}

// Store is a Repository that can run a unit of work atomically
type Store interface {
	Repository
	// WithTx runs fn in a transaction. The transaction commits when fn returns
	// nil and rolls back otherwise. fn must only use the Repository it is given.
	WithTx(ctx context.Context, fn func(tx Repository) error) error
	Close() error
}
