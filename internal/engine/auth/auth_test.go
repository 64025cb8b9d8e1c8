package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowkernel/internal/engine/auth"
	"flowkernel/internal/record"
	"flowkernel/internal/state"
)

type fixture struct {
	st          *state.State
	checker     auth.Checker
	permissions auth.Permissions
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := state.New(1)
	st.Identities.PutUser(record.UserRecord{UserKey: 1, Username: "alice"})
	st.Identities.PutUser(record.UserRecord{UserKey: 2, Username: "bob"})
	st.Identities.PutGroup(record.GroupRecord{GroupKey: 3, GroupID: "ops"})
	st.Identities.AddMember(3, 2)
	return fixture{
		st:          st,
		checker:     auth.Checker{Authorizations: st.Authorizations, Owners: st.Identities, Enabled: true},
		permissions: auth.Permissions{Authorizations: st.Authorizations, Owners: st.Identities},
	}
}

func requireRejection(t *testing.T, err error, want record.RejectionType) *record.Rejection {
	t.Helper()
	require.Error(t, err)
	rej, ok := record.AsRejection(err)
	require.True(t, ok, "expected rejection, got %v", err)
	require.Equal(t, want, rej.Type, rej.Reason)
	return rej
}

func TestIsAuthorizedDirectAndGroupGrants(t *testing.T) {
	f := newFixture(t)
	f.st.Authorizations.AddPermissions(record.OwnerUser, "alice", record.ResourceProcessDefinition, []record.PermissionValue{
		{PermissionType: record.PermissionUpdate, ResourceIDs: []string{"order"}},
	})
	f.st.Authorizations.AddPermissions(record.OwnerGroup, "ops", record.ResourceProcessDefinition, []record.PermissionValue{
		{PermissionType: record.PermissionUpdate, ResourceIDs: []string{"*"}},
	})

	req := auth.Request{Principal: "alice", ResourceType: record.ResourceProcessDefinition, PermissionType: record.PermissionUpdate, ResourceID: "order"}
	assert.NoError(t, f.checker.IsAuthorized(req))

	req.ResourceID = "invoice"
	rej := requireRejection(t, f.checker.IsAuthorized(req), record.RejectForbidden)
	assert.Equal(t, "Insufficient permissions to perform operation 'UPDATE' on resource 'PROCESS_DEFINITION', required resource identifiers are one of '[*, invoice]'", rej.Reason)

	req.Principal = "bob"
	assert.NoError(t, f.checker.IsAuthorized(req), "wildcard inherited from group")
}

func TestIsAuthorizedWithoutResourceID(t *testing.T) {
	f := newFixture(t)
	req := auth.Request{Principal: "alice", ResourceType: record.ResourceProcessDefinition, PermissionType: record.PermissionRead}
	rej := requireRejection(t, f.checker.IsAuthorized(req), record.RejectForbidden)
	assert.Equal(t, "Insufficient permissions to perform operation 'READ' on resource 'PROCESS_DEFINITION'", rej.Reason)

	f.st.Authorizations.AddPermissions(record.OwnerUser, "alice", record.ResourceProcessDefinition, []record.PermissionValue{
		{PermissionType: record.PermissionRead, ResourceIDs: []string{"order"}},
	})
	assert.NoError(t, f.checker.IsAuthorized(req))
}

func TestIsAuthorizedBypasses(t *testing.T) {
	f := newFixture(t)
	req := auth.Request{Principal: "nobody", ResourceType: record.ResourceUser, PermissionType: record.PermissionDelete, ResourceID: "x"}
	requireRejection(t, f.checker.IsAuthorized(req), record.RejectForbidden)

	req.Internal = true
	assert.NoError(t, f.checker.IsAuthorized(req))

	disabled := f.checker
	disabled.Enabled = false
	req.Internal = false
	assert.NoError(t, disabled.IsAuthorized(req))
}

func TestOwnerExistsEnrichesCopy(t *testing.T) {
	f := newFixture(t)
	in := record.AuthorizationRecord{OwnerKey: 3, ResourceType: record.ResourceUser}

	out, err := f.permissions.OwnerExists(in)
	require.NoError(t, err)
	assert.Equal(t, record.OwnerGroup, out.OwnerType)
	assert.Equal(t, "ops", out.OwnerID)
	assert.Empty(t, in.OwnerType, "input must not be mutated")

	_, err = f.permissions.OwnerExists(record.AuthorizationRecord{OwnerKey: 42})
	rej := requireRejection(t, err, record.RejectNotFound)
	assert.Equal(t, "Expected to find owner with key: '42', but none was found", rej.Reason)
}

func TestPermissionAlreadyExistsCitesDuplicates(t *testing.T) {
	f := newFixture(t)
	f.st.Authorizations.AddPermissions(record.OwnerUser, "alice", record.ResourceProcessDefinition, []record.PermissionValue{
		{PermissionType: record.PermissionRead, ResourceIDs: []string{"a"}},
	})
	rec := record.AuthorizationRecord{
		OwnerKey:     1,
		OwnerID:      "alice",
		OwnerType:    record.OwnerUser,
		ResourceType: record.ResourceProcessDefinition,
		Permissions:  []record.PermissionValue{{PermissionType: record.PermissionRead, ResourceIDs: []string{"a", "b"}}},
	}

	_, err := f.permissions.PermissionAlreadyExists(rec)
	rej := requireRejection(t, err, record.RejectAlreadyExists)
	assert.Equal(t, "Expected to add 'READ' permission for resource 'PROCESS_DEFINITION' and resource identifiers '[a, b]' for owner '1', but this permission for resource identifiers '[a]' already exist. Existing resource ids are: '[a]'", rej.Reason)

	rec.Permissions[0].ResourceIDs = []string{"b"}
	_, err = f.permissions.PermissionAlreadyExists(rec)
	assert.NoError(t, err)
}

func TestPermissionDoesNotExistCitesMissing(t *testing.T) {
	f := newFixture(t)
	f.st.Authorizations.AddPermissions(record.OwnerUser, "alice", record.ResourceUser, []record.PermissionValue{
		{PermissionType: record.PermissionDelete, ResourceIDs: []string{"x"}},
	})
	rec := record.AuthorizationRecord{
		OwnerKey:     1,
		OwnerID:      "alice",
		OwnerType:    record.OwnerUser,
		ResourceType: record.ResourceUser,
		Permissions:  []record.PermissionValue{{PermissionType: record.PermissionDelete, ResourceIDs: []string{"x", "y"}}},
	}
	_, err := f.permissions.PermissionDoesNotExist(rec)
	rej := requireRejection(t, err, record.RejectNotFound)
	assert.Contains(t, rej.Reason, "this permission for resource identifiers '[y]' is not found. Existing resource ids are: '[x]'")
}

func TestAuthorizationAlreadyExists(t *testing.T) {
	f := newFixture(t)
	f.st.Authorizations.Put(record.AuthorizationRecord{
		AuthorizationKey:         9,
		OwnerType:                record.OwnerUser,
		OwnerID:                  "alice",
		ResourceType:             record.ResourceGroup,
		ResourceID:               "ops",
		AuthorizationPermissions: []record.PermissionType{record.PermissionRead},
	})
	rec := record.AuthorizationRecord{
		OwnerType:                record.OwnerUser,
		OwnerID:                  "alice",
		ResourceType:             record.ResourceGroup,
		ResourceID:               "ops",
		AuthorizationPermissions: []record.PermissionType{record.PermissionUpdate, record.PermissionRead},
	}
	_, err := f.permissions.AuthorizationAlreadyExists(rec)
	rej := requireRejection(t, err, record.RejectAlreadyExists)
	assert.Equal(t, "Expected to create authorization for owner 'alice' with permission type 'READ' and resource type 'GROUP', but this permission for resource identifiers 'ops' already exist. Existing resource ids are: '[ops]'", rej.Reason)

	_, err = f.permissions.AuthorizationKeyExists(9)
	assert.NoError(t, err)
	_, err = f.permissions.AuthorizationKeyExists(10)
	rej = requireRejection(t, err, record.RejectNotFound)
	assert.Equal(t, "Expected to delete authorization with key 10, but an authorization with this key does not exist", rej.Reason)

	_, err = f.permissions.AuthorizationExists(record.AuthorizationRecord{AuthorizationKey: 10})
	requireRejection(t, err, record.RejectNotFound)
}

func TestHasValidPermissionTypes(t *testing.T) {
	f := newFixture(t)
	rec := record.AuthorizationRecord{
		ResourceType:             record.ResourceApplication,
		AuthorizationPermissions: []record.PermissionType{record.PermissionAccess, record.PermissionDelete},
	}
	_, err := f.permissions.HasValidPermissionTypes(rec, auth.AddPermissionTypesMessage)
	rej := requireRejection(t, err, record.RejectInvalidArgument)
	assert.Equal(t, "Expected to add permission types '[DELETE]' for resource type 'APPLICATION', but these permissions are not supported. Supported permission types are: '[ACCESS]'", rej.Reason)

	rec.AuthorizationPermissions = []record.PermissionType{record.PermissionAccess}
	_, err = f.permissions.HasValidPermissionTypes(rec, auth.AddPermissionTypesMessage)
	assert.NoError(t, err)

	rec.ResourceType = "SPACESHIP"
	_, err = f.permissions.HasValidPermissionTypes(rec, auth.RemovePermissionTypesMessage)
	rej = requireRejection(t, err, record.RejectInvalidArgument)
	assert.Contains(t, rej.Reason, "Expected to remove permission types '[ACCESS]'")
}
