package record

import (
	"slices"
	"sort"
)

type OwnerType string

const (
	OwnerUnspecified OwnerType = "UNSPECIFIED"
	OwnerUser        OwnerType = "USER"
	OwnerGroup       OwnerType = "GROUP"
)

type ResourceType string

const (
	ResourceApplication       ResourceType = "APPLICATION"
	ResourceAuthorization     ResourceType = "AUTHORIZATION"
	ResourceGroup             ResourceType = "GROUP"
	ResourceUser              ResourceType = "USER"
	ResourceProcessDefinition ResourceType = "PROCESS_DEFINITION"
)

type PermissionType string

const (
	PermissionAccess PermissionType = "ACCESS"
	PermissionCreate PermissionType = "CREATE"
	PermissionRead   PermissionType = "READ"
	PermissionUpdate PermissionType = "UPDATE"
	PermissionDelete PermissionType = "DELETE"
)

// WildcardResourceID grants a permission over every resource of a type.
const WildcardResourceID = "*"

var crud = []PermissionType{PermissionCreate, PermissionRead, PermissionUpdate, PermissionDelete}

// supportedPermissions is built once and never mutated.
var supportedPermissions = map[ResourceType][]PermissionType{
	ResourceApplication:       {PermissionAccess},
	ResourceAuthorization:     crud,
	ResourceGroup:             crud,
	ResourceUser:              crud,
	ResourceProcessDefinition: crud,
}

// ResourceTypes lists every resource type in a stable order.
func ResourceTypes() []ResourceType {
	out := make([]ResourceType, 0, len(supportedPermissions))
	for rt := range supportedPermissions {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Valid reports whether rt is a known resource type.
func (rt ResourceType) Valid() bool {
	_, ok := supportedPermissions[rt]
	return ok
}

// SupportedPermissionTypes returns a copy of the permission types rt accepts.
func (rt ResourceType) SupportedPermissionTypes() []PermissionType {
	return append([]PermissionType(nil), supportedPermissions[rt]...)
}

// Supports reports whether pt may be granted on rt.
func (rt ResourceType) Supports(pt PermissionType) bool {
	return slices.Contains(supportedPermissions[rt], pt)
}

// PermissionValue grants one permission type over a set of resource ids.
type PermissionValue struct {
	PermissionType PermissionType `json:"permissionType"`
	ResourceIDs    []string       `json:"resourceIds"`
}

// AuthorizationRecord is the payload of every AUTHORIZATION record. CREATE
// and UPDATE address a single ResourceID with AuthorizationPermissions;
// ADD_PERMISSION and REMOVE_PERMISSION carry Permissions.
type AuthorizationRecord struct {
	AuthorizationKey         int64             `json:"authorizationKey"`
	OwnerKey                 int64             `json:"ownerKey"`
	OwnerID                  string            `json:"ownerId,omitempty"`
	OwnerType                OwnerType         `json:"ownerType,omitempty"`
	ResourceType             ResourceType      `json:"resourceType"`
	ResourceID               string            `json:"resourceId,omitempty"`
	AuthorizationPermissions []PermissionType  `json:"authorizationPermissions,omitempty"`
	Permissions              []PermissionValue `json:"permissions,omitempty"`
}

func (AuthorizationRecord) ValueType() ValueType { return ValueAuthorization }

// PermissionTypes returns the distinct permission types the record requests,
// in first-seen order.
func (a AuthorizationRecord) PermissionTypes() []PermissionType {
	var out []PermissionType
	add := func(pt PermissionType) {
		if !slices.Contains(out, pt) {
			out = append(out, pt)
		}
	}
	for _, pt := range a.AuthorizationPermissions {
		add(pt)
	}
	for _, p := range a.Permissions {
		add(p.PermissionType)
	}
	return out
}

// Clone returns a deep copy.
func (a AuthorizationRecord) Clone() AuthorizationRecord {
	out := a
	out.AuthorizationPermissions = slices.Clone(a.AuthorizationPermissions)
	if a.Permissions != nil {
		out.Permissions = make([]PermissionValue, len(a.Permissions))
		for i, p := range a.Permissions {
			out.Permissions[i] = PermissionValue{PermissionType: p.PermissionType, ResourceIDs: slices.Clone(p.ResourceIDs)}
		}
	}
	return out
}
