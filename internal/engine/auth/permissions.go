package auth

import (
	"slices"
	"strings"

	"flowkernel/internal/record"
	"flowkernel/internal/state"
)

const (
	ownerNotFoundMessage           = "Expected to find owner with key: '%d', but none was found"
	permissionAlreadyExistsMessage = "Expected to add '%s' permission for resource '%s' and resource identifiers '%s' for owner '%d', but this permission for resource identifiers '%s' already exist. Existing resource ids are: '%s'"
	permissionNotFoundMessage      = "Expected to remove '%s' permission for resource '%s' and resource identifiers '%s' for owner '%d', but this permission for resource identifiers '%s' is not found. Existing resource ids are: '%s'"
	authorizationExistsMessage     = "Expected to create authorization for owner '%s' with permission type '%s' and resource type '%s', but this permission for resource identifiers '%s' already exist. Existing resource ids are: '%s'"
	authorizationMissingMessage    = "Expected to %s authorization with key %d, but an authorization with this key does not exist"

	// AddPermissionTypesMessage and RemovePermissionTypesMessage take the
	// unsupported types, the resource type and the supported types.
	AddPermissionTypesMessage    = "Expected to add permission types '%s' for resource type '%s', but these permissions are not supported. Supported permission types are: '%s'"
	RemovePermissionTypesMessage = "Expected to remove permission types '%s' for resource type '%s', but these permissions are not supported. Supported permission types are: '%s'"
)

// Permissions validates authorization commands. Every validator is a total
// function of the record and the current state and returns either the
// (possibly enriched) record or a *record.Rejection.
type Permissions struct {
	Authorizations state.AuthorizationReader
	Owners         state.OwnerReader
}

// OwnerExists resolves rec.OwnerKey and returns a copy carrying the owner's
// type, and its id when the command omitted one.
func (p Permissions) OwnerExists(rec record.AuthorizationRecord) (record.AuthorizationRecord, error) {
	owner, ok := p.Owners.Owner(rec.OwnerKey)
	if !ok {
		return rec, record.Reject(record.RejectNotFound, ownerNotFoundMessage, rec.OwnerKey)
	}
	out := rec.Clone()
	out.OwnerType = owner.Type
	if out.OwnerID == "" {
		out.OwnerID = owner.ID
	}
	return out, nil
}

// PermissionAlreadyExists rejects when any requested id is already held by
// the owner for the same resource and permission type.
func (p Permissions) PermissionAlreadyExists(rec record.AuthorizationRecord) (record.AuthorizationRecord, error) {
	for _, perm := range rec.Permissions {
		current := p.Authorizations.ResourceIDs(rec.OwnerType, rec.OwnerID, rec.ResourceType, perm.PermissionType)
		var duplicates []string
		for _, id := range perm.ResourceIDs {
			if slices.Contains(current, id) && !slices.Contains(duplicates, id) {
				duplicates = append(duplicates, id)
			}
		}
		if len(duplicates) > 0 {
			return rec, record.Reject(record.RejectAlreadyExists, permissionAlreadyExistsMessage,
				perm.PermissionType, rec.ResourceType, record.FormatIDs(perm.ResourceIDs), rec.OwnerKey,
				record.FormatIDs(duplicates), record.FormatIDs(current))
		}
	}
	return rec, nil
}

// AuthorizationAlreadyExists rejects when the owner already holds
// rec.ResourceID for any requested permission type.
func (p Permissions) AuthorizationAlreadyExists(rec record.AuthorizationRecord) (record.AuthorizationRecord, error) {
	for _, pt := range rec.AuthorizationPermissions {
		current := p.Authorizations.ResourceIDs(rec.OwnerType, rec.OwnerID, rec.ResourceType, pt)
		if slices.Contains(current, rec.ResourceID) {
			return rec, record.Reject(record.RejectAlreadyExists, authorizationExistsMessage,
				rec.OwnerID, pt, rec.ResourceType, rec.ResourceID, record.FormatIDs(current))
		}
	}
	return rec, nil
}

// PermissionDoesNotExist rejects when any id to remove is not held.
func (p Permissions) PermissionDoesNotExist(rec record.AuthorizationRecord) (record.AuthorizationRecord, error) {
	for _, perm := range rec.Permissions {
		current := p.Authorizations.ResourceIDs(rec.OwnerType, rec.OwnerID, rec.ResourceType, perm.PermissionType)
		var missing []string
		for _, id := range perm.ResourceIDs {
			if !slices.Contains(current, id) && !slices.Contains(missing, id) {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return rec, record.Reject(record.RejectNotFound, permissionNotFoundMessage,
				perm.PermissionType, rec.ResourceType, record.FormatIDs(perm.ResourceIDs), rec.OwnerKey,
				record.FormatIDs(missing), record.FormatIDs(current))
		}
	}
	return rec, nil
}

// AuthorizationExists checks the key an UPDATE addresses.
func (p Permissions) AuthorizationExists(rec record.AuthorizationRecord) (record.AuthorizationRecord, error) {
	if _, ok := p.Authorizations.Get(rec.AuthorizationKey); !ok {
		return rec, record.Reject(record.RejectNotFound, authorizationMissingMessage, "update", rec.AuthorizationKey)
	}
	return rec, nil
}

// AuthorizationKeyExists checks the key a DELETE addresses and returns the
// stored authorization.
func (p Permissions) AuthorizationKeyExists(key int64) (record.AuthorizationRecord, error) {
	stored, ok := p.Authorizations.Get(key)
	if !ok {
		return record.AuthorizationRecord{}, record.Reject(record.RejectNotFound, authorizationMissingMessage, "delete", key)
	}
	return stored, nil
}

// HasValidPermissionTypes rejects permission types the resource type does not
// support. message receives the unsupported types, the resource type and the
// supported types, in that order.
func (p Permissions) HasValidPermissionTypes(rec record.AuthorizationRecord, message string) (record.AuthorizationRecord, error) {
	var unsupported []record.PermissionType
	for _, pt := range rec.PermissionTypes() {
		if !rec.ResourceType.Supports(pt) {
			unsupported = append(unsupported, pt)
		}
	}
	if len(unsupported) == 0 {
		return rec, nil
	}
	return rec, record.Reject(record.RejectInvalidArgument, message,
		formatPermissionTypes(unsupported), rec.ResourceType, formatPermissionTypes(rec.ResourceType.SupportedPermissionTypes()))
}

func formatPermissionTypes(types []record.PermissionType) string {
	parts := make([]string, len(types))
	for i, pt := range types {
		parts[i] = string(pt)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
