package state_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowkernel/internal/record"
	"flowkernel/internal/state"
)

func TestKeyGeneratorObserveRestoresCounter(t *testing.T) {
	gen := state.NewKeyGenerator(1)
	first := gen.Next()
	assert.Equal(t, 1, state.PartitionOf(first))
	assert.Equal(t, first, gen.Current())

	restored := state.NewKeyGenerator(1)
	restored.Observe(first)
	restored.Observe(state.NewKeyGenerator(2).Next())
	restored.Observe(-1)
	assert.Equal(t, first, restored.Current())
	assert.Equal(t, gen.Next(), restored.Next())
}

func TestAuthorizationStoreGrantIndex(t *testing.T) {
	s := state.NewAuthorizationStore()
	s.Put(record.AuthorizationRecord{
		AuthorizationKey:         10,
		OwnerType:                record.OwnerUser,
		OwnerID:                  "alice",
		ResourceType:             record.ResourceProcessDefinition,
		ResourceID:               "order",
		AuthorizationPermissions: []record.PermissionType{record.PermissionRead, record.PermissionUpdate},
	})
	s.AddPermissions(record.OwnerUser, "alice", record.ResourceProcessDefinition, []record.PermissionValue{
		{PermissionType: record.PermissionRead, ResourceIDs: []string{"invoice", "order"}},
	})

	assert.Equal(t, []string{"invoice", "order"},
		s.ResourceIDs(record.OwnerUser, "alice", record.ResourceProcessDefinition, record.PermissionRead))

	// order is still granted by ADD_PERMISSION after the entity is gone
	s.Delete(10)
	assert.Equal(t, []string{"invoice", "order"},
		s.ResourceIDs(record.OwnerUser, "alice", record.ResourceProcessDefinition, record.PermissionRead))
	assert.Empty(t, s.ResourceIDs(record.OwnerUser, "alice", record.ResourceProcessDefinition, record.PermissionUpdate))

	s.RemovePermissions(record.OwnerUser, "alice", record.ResourceProcessDefinition, []record.PermissionValue{
		{PermissionType: record.PermissionRead, ResourceIDs: []string{"order"}},
	})
	assert.Equal(t, []string{"invoice"},
		s.ResourceIDs(record.OwnerUser, "alice", record.ResourceProcessDefinition, record.PermissionRead))

	_, ok := s.Get(10)
	assert.False(t, ok)
}

func TestAuthorizationStorePutReplacesPreviousVersion(t *testing.T) {
	s := state.NewAuthorizationStore()
	rec := record.AuthorizationRecord{
		AuthorizationKey:         7,
		OwnerType:                record.OwnerGroup,
		OwnerID:                  "ops",
		ResourceType:             record.ResourceUser,
		ResourceID:               "*",
		AuthorizationPermissions: []record.PermissionType{record.PermissionRead},
	}
	s.Put(rec)
	rec.ResourceID = "bob"
	s.Put(rec)

	assert.Equal(t, []string{"bob"}, s.ResourceIDs(record.OwnerGroup, "ops", record.ResourceUser, record.PermissionRead))
	require.Len(t, s.ByOwner(record.OwnerGroup, "ops"), 1)

	s.RemoveOwner(record.OwnerGroup, "ops")
	assert.Empty(t, s.All())
	assert.Empty(t, s.ResourceIDs(record.OwnerGroup, "ops", record.ResourceUser, record.PermissionRead))
}

func TestIdentityStoreOwnersAndMemberships(t *testing.T) {
	s := state.NewIdentityStore()
	s.PutUser(record.UserRecord{UserKey: 1, Username: "alice"})
	s.PutGroup(record.GroupRecord{GroupKey: 2, GroupID: "ops"})
	s.PutGroup(record.GroupRecord{GroupKey: 3, GroupID: "dev"})
	s.AddMember(2, 1)
	s.AddMember(3, 1)

	owner, ok := s.Owner(1)
	require.True(t, ok)
	assert.Equal(t, state.Owner{Key: 1, Type: record.OwnerUser, ID: "alice"}, owner)
	owner, ok = s.Owner(3)
	require.True(t, ok)
	assert.Equal(t, record.OwnerGroup, owner.Type)
	_, ok = s.Owner(99)
	assert.False(t, ok)

	assert.Equal(t, []string{"dev", "ops"}, s.GroupsOf("alice"))

	s.DeleteUser(1)
	g, ok := s.Group(2)
	require.True(t, ok)
	assert.Empty(t, g.Members)
	assert.Nil(t, s.GroupsOf("alice"))
}

func TestJobStoreActivatableInKeyOrder(t *testing.T) {
	s := state.NewJobStore()
	for _, key := range []int64{5, 3, 9, 1} {
		s.Put(state.Job{Key: key, State: record.JobActivatable, JobRecord: record.JobRecord{Type: "pay"}})
	}
	s.Put(state.Job{Key: 2, State: record.JobActivatable, JobRecord: record.JobRecord{Type: "ship"}})
	s.Put(state.Job{Key: 4, State: record.JobActivated, JobRecord: record.JobRecord{Type: "pay", Deadline: 100}})

	jobs := s.Activatable("pay")
	require.Len(t, jobs, 4)
	assert.Equal(t, []int64{1, 3, 5, 9}, []int64{jobs[0].Key, jobs[1].Key, jobs[2].Key, jobs[3].Key})

	assert.Empty(t, s.Expired(99))
	assert.Equal(t, []int64{4}, s.Expired(100))
}

func TestIncidentStoreIndexesByJob(t *testing.T) {
	s := state.NewIncidentStore()
	s.Put(state.Incident{Key: 11, IncidentRecord: record.IncidentRecord{JobKey: 4}})

	inc, ok := s.ForJob(4)
	require.True(t, ok)
	assert.Equal(t, int64(11), inc.Key)

	s.Delete(11)
	_, ok = s.ForJob(4)
	assert.False(t, ok)
	assert.Empty(t, s.All())
}
