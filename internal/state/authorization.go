package state

import (
	"flowkernel/internal/record"
)

// AuthorizationReader is the read side handed to behaviors.
type AuthorizationReader interface {
	Get(key int64) (record.AuthorizationRecord, bool)
	// ResourceIDs returns the ids the owner holds for the permission, sorted.
	ResourceIDs(ownerType record.OwnerType, ownerID string, resourceType record.ResourceType, permissionType record.PermissionType) []string
	ByOwner(ownerType record.OwnerType, ownerID string) []record.AuthorizationRecord
}

type ownerRef struct {
	Type record.OwnerType
	ID   string
}

type grantSet map[record.ResourceType]map[record.PermissionType]map[string]int

// AuthorizationStore keeps authorization entities by key and the per-owner
// grant index fed by both entities and ADD_PERMISSION events. Grants carry a
// reference count so deleting one entity does not revoke an identical grant
// added elsewhere.
type AuthorizationStore struct {
	entities map[int64]record.AuthorizationRecord
	grants   map[ownerRef]grantSet
}

func NewAuthorizationStore() *AuthorizationStore {
	return &AuthorizationStore{
		entities: map[int64]record.AuthorizationRecord{},
		grants:   map[ownerRef]grantSet{},
	}
}

func (s *AuthorizationStore) Get(key int64) (record.AuthorizationRecord, bool) {
	rec, ok := s.entities[key]
	if !ok {
		return record.AuthorizationRecord{}, false
	}
	return rec.Clone(), true
}

// Put stores the entity under rec.AuthorizationKey, replacing the grants of
// any previous version.
func (s *AuthorizationStore) Put(rec record.AuthorizationRecord) {
	if old, ok := s.entities[rec.AuthorizationKey]; ok {
		s.release(old)
	}
	rec = rec.Clone()
	s.entities[rec.AuthorizationKey] = rec
	owner := ownerRef{Type: rec.OwnerType, ID: rec.OwnerID}
	for _, pt := range rec.AuthorizationPermissions {
		s.grant(owner, rec.ResourceType, pt, rec.ResourceID)
	}
}

func (s *AuthorizationStore) Delete(key int64) {
	old, ok := s.entities[key]
	if !ok {
		return
	}
	s.release(old)
	delete(s.entities, key)
}

func (s *AuthorizationStore) AddPermissions(ownerType record.OwnerType, ownerID string, resourceType record.ResourceType, perms []record.PermissionValue) {
	owner := ownerRef{Type: ownerType, ID: ownerID}
	for _, p := range perms {
		for _, id := range p.ResourceIDs {
			s.grant(owner, resourceType, p.PermissionType, id)
		}
	}
}

// RemovePermissions revokes the ids outright regardless of how many times
// they were granted.
func (s *AuthorizationStore) RemovePermissions(ownerType record.OwnerType, ownerID string, resourceType record.ResourceType, perms []record.PermissionValue) {
	owner := ownerRef{Type: ownerType, ID: ownerID}
	for _, p := range perms {
		ids := s.grants[owner][resourceType][p.PermissionType]
		for _, id := range p.ResourceIDs {
			delete(ids, id)
		}
		s.prune(owner, resourceType, p.PermissionType)
	}
}

// RemoveOwner drops every entity and grant held by the owner.
func (s *AuthorizationStore) RemoveOwner(ownerType record.OwnerType, ownerID string) {
	for key, rec := range s.entities {
		if rec.OwnerType == ownerType && rec.OwnerID == ownerID {
			delete(s.entities, key)
		}
	}
	delete(s.grants, ownerRef{Type: ownerType, ID: ownerID})
}

func (s *AuthorizationStore) ResourceIDs(ownerType record.OwnerType, ownerID string, resourceType record.ResourceType, permissionType record.PermissionType) []string {
	ids := s.grants[ownerRef{Type: ownerType, ID: ownerID}][resourceType][permissionType]
	if len(ids) == 0 {
		return nil
	}
	return sortedKeys(ids)
}

func (s *AuthorizationStore) ByOwner(ownerType record.OwnerType, ownerID string) []record.AuthorizationRecord {
	var out []record.AuthorizationRecord
	for _, key := range sortedKeys(s.entities) {
		rec := s.entities[key]
		if rec.OwnerType == ownerType && rec.OwnerID == ownerID {
			out = append(out, rec.Clone())
		}
	}
	return out
}

func (s *AuthorizationStore) All() []record.AuthorizationRecord {
	out := make([]record.AuthorizationRecord, 0, len(s.entities))
	for _, key := range sortedKeys(s.entities) {
		out = append(out, s.entities[key].Clone())
	}
	return out
}

func (s *AuthorizationStore) grant(owner ownerRef, rt record.ResourceType, pt record.PermissionType, id string) {
	byResource, ok := s.grants[owner]
	if !ok {
		byResource = grantSet{}
		s.grants[owner] = byResource
	}
	byPermission, ok := byResource[rt]
	if !ok {
		byPermission = map[record.PermissionType]map[string]int{}
		byResource[rt] = byPermission
	}
	ids, ok := byPermission[pt]
	if !ok {
		ids = map[string]int{}
		byPermission[pt] = ids
	}
	ids[id]++
}

func (s *AuthorizationStore) release(rec record.AuthorizationRecord) {
	owner := ownerRef{Type: rec.OwnerType, ID: rec.OwnerID}
	for _, pt := range rec.AuthorizationPermissions {
		ids := s.grants[owner][rec.ResourceType][pt]
		if ids == nil {
			continue
		}
		if ids[rec.ResourceID] <= 1 {
			delete(ids, rec.ResourceID)
		} else {
			ids[rec.ResourceID]--
		}
		s.prune(owner, rec.ResourceType, pt)
	}
}

func (s *AuthorizationStore) prune(owner ownerRef, rt record.ResourceType, pt record.PermissionType) {
	byResource := s.grants[owner]
	if byResource == nil {
		return
	}
	if len(byResource[rt][pt]) == 0 {
		delete(byResource[rt], pt)
	}
	if len(byResource[rt]) == 0 {
		delete(byResource, rt)
	}
	if len(byResource) == 0 {
		delete(s.grants, owner)
	}
}
