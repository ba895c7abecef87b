// Package pds — quotas.go
//
// Filter identifiers and capacity policy for the epoch filter hierarchy.
//
// Four filter roles exist per epoch:
//
//	PerQuerier(epoch, querier)  — bounds what one querier learns from the epoch.
//	Global(epoch)               — collusion filter; bounds total loss across queriers.
//	TriggerQuota(epoch, trigger) — caps consumption attributable to one trigger site.
//	SourceQuota(epoch, source)   — caps consumption attributable to one source site.
//
// Filters are created lazily on first reference with a capacity drawn from
// a CapacityPolicy, and are never destroyed during a run.
package pds

import (
	"fmt"

	"github.com/epochpds/epochpds/budget"
	"github.com/epochpds/epochpds/events"
)

// FilterRole names one of the four filter roles.
type FilterRole uint8

const (
	RolePerQuerier FilterRole = iota
	RoleGlobal
	RoleTriggerQuota
	RoleSourceQuota
)

// String returns the role name.
func (r FilterRole) String() string {
	switch r {
	case RolePerQuerier:
		return "per_querier"
	case RoleGlobal:
		return "global"
	case RoleTriggerQuota:
		return "trigger_quota"
	case RoleSourceQuota:
		return "source_quota"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// FilterID identifies one filter: a role scoped to an epoch, plus the URI
// the role is keyed by. URI is empty for RoleGlobal. FilterID is comparable
// and usable as a map key; equality covers all three fields.
type FilterID struct {
	Role  FilterRole
	Epoch events.EpochID
	URI   string
}

// PerQuerier returns the per-querier filter ID for an epoch.
func PerQuerier(epoch events.EpochID, querierURI string) FilterID {
	return FilterID{Role: RolePerQuerier, Epoch: epoch, URI: querierURI}
}

// Global returns the collusion filter ID for an epoch.
func Global(epoch events.EpochID) FilterID {
	return FilterID{Role: RoleGlobal, Epoch: epoch}
}

// TriggerQuota returns the trigger quota filter ID for an epoch.
func TriggerQuota(epoch events.EpochID, triggerURI string) FilterID {
	return FilterID{Role: RoleTriggerQuota, Epoch: epoch, URI: triggerURI}
}

// SourceQuota returns the source quota filter ID for an epoch.
func SourceQuota(epoch events.EpochID, sourceURI string) FilterID {
	return FilterID{Role: RoleSourceQuota, Epoch: epoch, URI: sourceURI}
}

// String renders the filter ID for logs and the CLI.
func (id FilterID) String() string {
	if id.Role == RoleGlobal {
		return fmt.Sprintf("%s(%d)", id.Role, id.Epoch)
	}
	return fmt.Sprintf("%s(%d, %s)", id.Role, id.Epoch, id.URI)
}

// StaticCapacities is the default capacity policy: one budget per role,
// independent of epoch and URI. Other deterministic policies are permitted
// via budget.CapacityPolicy.
type StaticCapacities struct {
	PerQuerier   budget.PureDP
	Global       budget.PureDP
	TriggerQuota budget.PureDP
	SourceQuota  budget.PureDP
}

// Capacity returns the capacity for a filter ID by role.
func (c StaticCapacities) Capacity(id FilterID) budget.PureDP {
	switch id.Role {
	case RolePerQuerier:
		return c.PerQuerier
	case RoleGlobal:
		return c.Global
	case RoleTriggerQuota:
		return c.TriggerQuota
	default:
		return c.SourceQuota
	}
}

// Policy adapts the capacities to the filter store's policy type.
func (c StaticCapacities) Policy() budget.CapacityPolicy[FilterID] {
	return c.Capacity
}
