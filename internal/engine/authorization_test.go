package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowkernel/internal/record"
)

func (h *harness) createUser(username string) int64 {
	h.t.Helper()
	return h.accepted(admin, record.NewCommand(record.IntentCreate, -1, record.UserRecord{Username: username})).Key
}

func (h *harness) grant(ownerKey int64, rt record.ResourceType, pt record.PermissionType, ids ...string) record.Record {
	h.t.Helper()
	return h.call(admin, record.NewCommand(record.IntentAddPermission, ownerKey, record.AuthorizationRecord{
		OwnerKey:     ownerKey,
		ResourceType: rt,
		Permissions:  []record.PermissionValue{{PermissionType: pt, ResourceIDs: ids}},
	}))
}

func TestUnauthorizedCommandsAreForbidden(t *testing.T) {
	h := newHarness(t, true)
	bob := h.createUser("bob")

	create := record.NewCommand(record.IntentCreate, -1, record.UserTaskRecord{BpmnProcessID: "order", Priority: record.DefaultPriority})
	rej := h.rejected("bob", create, record.RejectForbidden)
	assert.Equal(t, "Insufficient permissions to perform operation 'CREATE' on resource 'PROCESS_DEFINITION', required resource identifiers are one of '[*, order]'", rej.RejectionReason)
	assert.Empty(t, h.state.UserTasks.All())

	h.grant(bob, record.ResourceProcessDefinition, record.PermissionCreate, "order")
	h.accepted("bob", create)

	rej = h.rejected("bob", record.NewCommand(record.IntentCreate, -1, record.UserRecord{Username: "carol"}), record.RejectForbidden)
	assert.Equal(t, "Insufficient permissions to perform operation 'CREATE' on resource 'USER'", rej.RejectionReason)
	h.rejected("", create, record.RejectForbidden)
}

func TestForbiddenTakesPrecedenceOverState(t *testing.T) {
	h := newHarness(t, true)
	h.createUser("bob")
	key := h.createUserTask()
	h.accepted(admin, record.NewCommand(record.IntentComplete, key, record.UserTaskRecord{}))

	h.rejected("bob", record.NewCommand(record.IntentComplete, key, record.UserTaskRecord{}), record.RejectForbidden)
	h.rejected(admin, record.NewCommand(record.IntentComplete, key, record.UserTaskRecord{}), record.RejectInvalidState)
}

func TestForbiddenJobCompletionDoesNotFailJob(t *testing.T) {
	h := newHarness(t, true)
	h.createUser("bob")
	key := h.createJob("ship", 3)

	rej := h.call("bob", record.NewCommand(record.IntentComplete, key, record.JobRecord{}))
	assert.Equal(t, record.RejectForbidden, rej.RejectionType)
	assert.Equal(t, 3, h.job(key).Retries)
}

func TestGroupGrantsApplyToMembers(t *testing.T) {
	h := newHarness(t, true)
	bob := h.createUser("bob")
	ops := h.accepted(admin, record.NewCommand(record.IntentCreate, -1, record.GroupRecord{GroupID: "ops", Name: "Operations"})).Key
	h.grant(ops, record.ResourceProcessDefinition, record.PermissionUpdate, record.WildcardResourceID)
	key := h.createUserTask()

	h.rejected("bob", record.NewCommand(record.IntentUpdate, key, record.UserTaskRecord{
		Priority:          1,
		ChangedAttributes: []string{record.AttrPriority},
	}), record.RejectForbidden)

	h.accepted(admin, record.NewCommand(record.IntentAddEntity, ops, record.GroupRecord{EntityKey: bob}))
	h.rejected(admin, record.NewCommand(record.IntentAddEntity, ops, record.GroupRecord{EntityKey: bob}), record.RejectAlreadyExists)
	h.accepted("bob", record.NewCommand(record.IntentUpdate, key, record.UserTaskRecord{
		Priority:          1,
		ChangedAttributes: []string{record.AttrPriority},
	}))

	h.accepted(admin, record.NewCommand(record.IntentRemoveEntity, ops, record.GroupRecord{EntityKey: bob}))
	h.rejected("bob", record.NewCommand(record.IntentAssign, key, record.UserTaskRecord{Assignee: "bob"}), record.RejectForbidden)
}

func TestActivationOnlyReturnsReadableJobs(t *testing.T) {
	h := newHarness(t, true)
	bob := h.createUser("bob")
	order := h.createJob("ship", 1)
	h.accepted(admin, record.NewCommand(record.IntentCreate, -1, record.JobRecord{Type: "ship", Retries: 1, BpmnProcessID: "invoice"}))

	activate := record.NewCommand(record.IntentActivate, -1, record.JobBatchRecord{Type: "ship", Worker: "bob", Timeout: 1_000, MaxJobsToActivate: 5})
	h.rejected("bob", activate, record.RejectForbidden)

	h.grant(bob, record.ResourceProcessDefinition, record.PermissionRead, "order")
	resp := h.accepted("bob", activate)
	assert.Equal(t, []int64{order}, resp.Value.(record.JobBatchRecord).JobKeys)
}

func TestAddPermissionRejectsDuplicates(t *testing.T) {
	h := newHarness(t, true)
	u := h.createUser("u")
	h.grant(u, record.ResourceProcessDefinition, record.PermissionRead, "a")

	rej := h.grant(u, record.ResourceProcessDefinition, record.PermissionRead, "a", "b")
	require.Equal(t, record.TypeCommandRejection, rej.RecordType)
	assert.Equal(t, record.RejectAlreadyExists, rej.RejectionType)
	assert.Equal(t, "Expected to add 'READ' permission for resource 'PROCESS_DEFINITION' and resource identifiers '[a, b]' for owner '"+itoa(u)+"', but this permission for resource identifiers '[a]' already exist. Existing resource ids are: '[a]'", rej.RejectionReason)
	assert.Equal(t, []string{"a"}, h.state.Authorizations.ResourceIDs(record.OwnerUser, "u", record.ResourceProcessDefinition, record.PermissionRead))

	rej = h.grant(u, record.ResourceUser, record.PermissionAccess, "x")
	assert.Equal(t, record.RejectInvalidArgument, rej.RejectionType)
	assert.Equal(t, "Expected to add permission types '[ACCESS]' for resource type 'USER', but these permissions are not supported. Supported permission types are: '[CREATE, READ, UPDATE, DELETE]'", rej.RejectionReason)

	rej = h.grant(424242, record.ResourceUser, record.PermissionRead, "x")
	assert.Equal(t, record.RejectNotFound, rej.RejectionType)
	assert.Equal(t, "Expected to find owner with key: '424242', but none was found", rej.RejectionReason)
}

func TestRemovePermissionIsAllOrNothing(t *testing.T) {
	h := newHarness(t, true)
	u := h.createUser("u")
	h.grant(u, record.ResourceProcessDefinition, record.PermissionRead, "a", "b")

	remove := func(ids ...string) record.Record {
		return h.call(admin, record.NewCommand(record.IntentRemovePermission, u, record.AuthorizationRecord{
			OwnerKey:     u,
			ResourceType: record.ResourceProcessDefinition,
			Permissions:  []record.PermissionValue{{PermissionType: record.PermissionRead, ResourceIDs: ids}},
		}))
	}
	rej := remove("a", "c")
	assert.Equal(t, record.RejectNotFound, rej.RejectionType)
	assert.Contains(t, rej.RejectionReason, "for resource identifiers '[c]' is not found. Existing resource ids are: '[a, b]'")
	assert.Equal(t, []string{"a", "b"}, h.state.Authorizations.ResourceIDs(record.OwnerUser, "u", record.ResourceProcessDefinition, record.PermissionRead))

	resp := remove("a")
	assert.Equal(t, record.IntentPermissionRemoved, resp.Intent)
	assert.Equal(t, u, resp.Key)
	assert.Equal(t, []string{"b"}, h.state.Authorizations.ResourceIDs(record.OwnerUser, "u", record.ResourceProcessDefinition, record.PermissionRead))
}

func TestAuthorizationEntityLifecycle(t *testing.T) {
	h := newHarness(t, true)
	u := h.createUser("u")
	create := record.NewCommand(record.IntentCreate, -1, record.AuthorizationRecord{
		OwnerKey:                 u,
		ResourceType:             record.ResourceProcessDefinition,
		ResourceID:               "order",
		AuthorizationPermissions: []record.PermissionType{record.PermissionRead, record.PermissionUpdate},
	})
	resp := h.accepted(admin, create)
	authKey := resp.Key
	stored, ok := h.state.Authorizations.Get(authKey)
	require.True(t, ok)
	assert.Equal(t, record.OwnerUser, stored.OwnerType)
	assert.Equal(t, "u", stored.OwnerID)
	assert.Equal(t, []string{"order"}, h.state.Authorizations.ResourceIDs(record.OwnerUser, "u", record.ResourceProcessDefinition, record.PermissionUpdate))

	rej := h.rejected(admin, create, record.RejectAlreadyExists)
	assert.Contains(t, rej.RejectionReason, "Expected to create authorization for owner 'u' with permission type 'READ'")

	h.accepted(admin, record.NewCommand(record.IntentUpdate, authKey, record.AuthorizationRecord{
		ResourceType:             record.ResourceProcessDefinition,
		ResourceID:               "invoice",
		AuthorizationPermissions: []record.PermissionType{record.PermissionRead},
	}))
	assert.Equal(t, []string{"invoice"}, h.state.Authorizations.ResourceIDs(record.OwnerUser, "u", record.ResourceProcessDefinition, record.PermissionRead))
	assert.Empty(t, h.state.Authorizations.ResourceIDs(record.OwnerUser, "u", record.ResourceProcessDefinition, record.PermissionUpdate))

	h.accepted(admin, record.NewCommand(record.IntentDelete, authKey, record.AuthorizationRecord{}))
	assert.Empty(t, h.state.Authorizations.ResourceIDs(record.OwnerUser, "u", record.ResourceProcessDefinition, record.PermissionRead))
	rej = h.rejected(admin, record.NewCommand(record.IntentDelete, authKey, record.AuthorizationRecord{}), record.RejectNotFound)
	assert.Equal(t, "Expected to delete authorization with key "+itoa(authKey)+", but an authorization with this key does not exist", rej.RejectionReason)
}

func TestDeletingUserRevokesGrants(t *testing.T) {
	h := newHarness(t, true)
	bob := h.createUser("bob")
	h.grant(bob, record.ResourceProcessDefinition, record.PermissionCreate, record.WildcardResourceID)
	create := record.NewCommand(record.IntentCreate, -1, record.UserTaskRecord{BpmnProcessID: "order", Priority: record.DefaultPriority})
	h.accepted("bob", create)

	h.accepted(admin, record.NewCommand(record.IntentDelete, bob, record.UserRecord{}))
	h.rejected("bob", create, record.RejectForbidden)
	h.rejected(admin, record.NewCommand(record.IntentDelete, bob, record.UserRecord{}), record.RejectNotFound)
}
