// Package auth decides whether a principal may act on a resource and
// validates authorization and permission commands against current state.
package auth

import (
	"fmt"
	"slices"

	"flowkernel/internal/record"
	"flowkernel/internal/state"
)

// Request names the permission a command requires. ResourceID is empty when
// any grant of the permission type suffices.
type Request struct {
	Principal      string
	Internal       bool
	ResourceType   record.ResourceType
	PermissionType record.PermissionType
	ResourceID     string
}

// Checker resolves a principal's effective grants: those held by the user
// directly plus those of every group the user belongs to.
type Checker struct {
	Authorizations state.AuthorizationReader
	Owners         state.OwnerReader
	// Enabled turns enforcement on. A disabled checker grants everything.
	Enabled bool
}

// IsAuthorized returns nil or a FORBIDDEN rejection.
func (c Checker) IsAuthorized(req Request) error {
	if !c.Enabled || req.Internal {
		return nil
	}
	ids := c.ResourceIDs(req.Principal, req.ResourceType, req.PermissionType)
	if req.ResourceID == "" {
		if len(ids) > 0 {
			return nil
		}
		return record.Reject(record.RejectForbidden,
			"Insufficient permissions to perform operation '%s' on resource '%s'",
			req.PermissionType, req.ResourceType)
	}
	if slices.Contains(ids, record.WildcardResourceID) || slices.Contains(ids, req.ResourceID) {
		return nil
	}
	return record.Reject(record.RejectForbidden,
		"Insufficient permissions to perform operation '%s' on resource '%s', required resource identifiers are one of '%s'",
		req.PermissionType, req.ResourceType, fmt.Sprintf("[%s, %s]", record.WildcardResourceID, req.ResourceID))
}

// ResourceIDs returns the principal's effective resource ids, sorted and
// deduplicated.
func (c Checker) ResourceIDs(principal string, rt record.ResourceType, pt record.PermissionType) []string {
	if principal == "" {
		return nil
	}
	ids := c.Authorizations.ResourceIDs(record.OwnerUser, principal, rt, pt)
	for _, group := range c.Owners.GroupsOf(principal) {
		ids = append(ids, c.Authorizations.ResourceIDs(record.OwnerGroup, group, rt, pt)...)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
