package state

import (
	"slices"

	"flowkernel/internal/record"
)

// Owner resolves an owner key to the identity grants are recorded under.
type Owner struct {
	Key  int64
	Type record.OwnerType
	ID   string
}

// OwnerReader is the read side handed to behaviors.
type OwnerReader interface {
	Owner(key int64) (Owner, bool)
	// GroupsOf returns the ids of every group the user belongs to, sorted.
	GroupsOf(username string) []string
}

// Group is a group together with its member user keys in ascending order.
type Group struct {
	record.GroupRecord
	Members []int64 `json:"members"`
}

type IdentityStore struct {
	users     map[int64]record.UserRecord
	usernames map[string]int64
	groups    map[int64]record.GroupRecord
	groupIDs  map[string]int64
	members   map[int64]map[int64]struct{}
}

func NewIdentityStore() *IdentityStore {
	return &IdentityStore{
		users:     map[int64]record.UserRecord{},
		usernames: map[string]int64{},
		groups:    map[int64]record.GroupRecord{},
		groupIDs:  map[string]int64{},
		members:   map[int64]map[int64]struct{}{},
	}
}

func (s *IdentityStore) PutUser(u record.UserRecord) {
	if old, ok := s.users[u.UserKey]; ok {
		delete(s.usernames, old.Username)
	}
	s.users[u.UserKey] = u
	s.usernames[u.Username] = u.UserKey
}

// DeleteUser removes the user and its group memberships.
func (s *IdentityStore) DeleteUser(key int64) {
	u, ok := s.users[key]
	if !ok {
		return
	}
	delete(s.usernames, u.Username)
	delete(s.users, key)
	for _, m := range s.members {
		delete(m, key)
	}
}

func (s *IdentityStore) User(key int64) (record.UserRecord, bool) {
	u, ok := s.users[key]
	return u, ok
}

func (s *IdentityStore) UserByUsername(username string) (record.UserRecord, bool) {
	key, ok := s.usernames[username]
	if !ok {
		return record.UserRecord{}, false
	}
	return s.users[key], true
}

func (s *IdentityStore) Users() []record.UserRecord {
	out := make([]record.UserRecord, 0, len(s.users))
	for _, key := range sortedKeys(s.users) {
		out = append(out, s.users[key])
	}
	return out
}

func (s *IdentityStore) PutGroup(g record.GroupRecord) {
	g.EntityKey = 0
	if old, ok := s.groups[g.GroupKey]; ok {
		delete(s.groupIDs, old.GroupID)
	}
	s.groups[g.GroupKey] = g
	s.groupIDs[g.GroupID] = g.GroupKey
}

func (s *IdentityStore) DeleteGroup(key int64) {
	g, ok := s.groups[key]
	if !ok {
		return
	}
	delete(s.groupIDs, g.GroupID)
	delete(s.groups, key)
	delete(s.members, key)
}

func (s *IdentityStore) Group(key int64) (Group, bool) {
	g, ok := s.groups[key]
	if !ok {
		return Group{}, false
	}
	members := sortedKeys(s.members[key])
	if members == nil {
		members = []int64{}
	}
	return Group{GroupRecord: g, Members: members}, true
}

func (s *IdentityStore) GroupByID(groupID string) (Group, bool) {
	key, ok := s.groupIDs[groupID]
	if !ok {
		return Group{}, false
	}
	return s.Group(key)
}

func (s *IdentityStore) AddMember(groupKey, userKey int64) {
	m, ok := s.members[groupKey]
	if !ok {
		m = map[int64]struct{}{}
		s.members[groupKey] = m
	}
	m[userKey] = struct{}{}
}

func (s *IdentityStore) RemoveMember(groupKey, userKey int64) {
	delete(s.members[groupKey], userKey)
}

func (s *IdentityStore) IsMember(groupKey, userKey int64) bool {
	_, ok := s.members[groupKey][userKey]
	return ok
}

func (s *IdentityStore) Owner(key int64) (Owner, bool) {
	if u, ok := s.users[key]; ok {
		return Owner{Key: key, Type: record.OwnerUser, ID: u.Username}, true
	}
	if g, ok := s.groups[key]; ok {
		return Owner{Key: key, Type: record.OwnerGroup, ID: g.GroupID}, true
	}
	return Owner{}, false
}

func (s *IdentityStore) GroupsOf(username string) []string {
	userKey, ok := s.usernames[username]
	if !ok {
		return nil
	}
	var out []string
	for groupKey, m := range s.members {
		if _, ok := m[userKey]; ok {
			out = append(out, s.groups[groupKey].GroupID)
		}
	}
	slices.Sort(out)
	return out
}
