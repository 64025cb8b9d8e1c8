package engine

import (
	"strings"

	"flowkernel/internal/record"
)

func (e *Engine) createUser(w *writer, cmd record.Record) error {
	user, err := valueOf[record.UserRecord](cmd)
	if err != nil {
		return err
	}
	if err = e.authorize(cmd, record.ResourceUser, record.PermissionCreate, ""); err != nil {
		return err
	}
	user.Username = strings.TrimSpace(user.Username)
	if user.Username == "" {
		return record.Reject(record.RejectInvalidArgument, "Expected to create user with a non-empty username, but none was given")
	}
	if _, exists := e.State.Identities.UserByUsername(user.Username); exists {
		return record.Reject(record.RejectAlreadyExists,
			"Expected to create user with username '%s', but a user with this username already exists", user.Username)
	}
	key := e.State.Keys.Next()
	user.UserKey = key
	_, err = w.event(record.IntentCreated, key, user)
	return err
}

func (e *Engine) deleteUser(w *writer, cmd record.Record) error {
	if err := e.authorize(cmd, record.ResourceUser, record.PermissionDelete, ""); err != nil {
		return err
	}
	user, ok := e.State.Identities.User(cmd.Key)
	if !ok {
		return record.Reject(record.RejectNotFound,
			"Expected to delete user with key '%d', but a user with this key does not exist", cmd.Key)
	}
	_, err := w.event(record.IntentDeleted, cmd.Key, user)
	return err
}

func (e *Engine) createGroup(w *writer, cmd record.Record) error {
	group, err := valueOf[record.GroupRecord](cmd)
	if err != nil {
		return err
	}
	if err = e.authorize(cmd, record.ResourceGroup, record.PermissionCreate, ""); err != nil {
		return err
	}
	group.GroupID = strings.TrimSpace(group.GroupID)
	if group.GroupID == "" {
		return record.Reject(record.RejectInvalidArgument, "Expected to create group with a non-empty group id, but none was given")
	}
	if _, exists := e.State.Identities.GroupByID(group.GroupID); exists {
		return record.Reject(record.RejectAlreadyExists,
			"Expected to create group with id '%s', but a group with this id already exists", group.GroupID)
	}
	key := e.State.Keys.Next()
	group.GroupKey = key
	group.EntityKey = 0
	_, err = w.event(record.IntentCreated, key, group)
	return err
}

func (e *Engine) addGroupEntity(w *writer, cmd record.Record) error {
	value, err := valueOf[record.GroupRecord](cmd)
	if err != nil {
		return err
	}
	if err = e.authorize(cmd, record.ResourceGroup, record.PermissionUpdate, ""); err != nil {
		return err
	}
	group, ok := e.State.Identities.Group(cmd.Key)
	if !ok {
		return record.Reject(record.RejectNotFound,
			"Expected to update group with key '%d', but a group with this key does not exist", cmd.Key)
	}
	if _, ok := e.State.Identities.User(value.EntityKey); !ok {
		return record.Reject(record.RejectNotFound,
			"Expected to add entity with key '%d' to group with key '%d', but the entity doesn't exist", value.EntityKey, cmd.Key)
	}
	if e.State.Identities.IsMember(cmd.Key, value.EntityKey) {
		return record.Reject(record.RejectAlreadyExists,
			"Expected to add entity with key '%d' to group with key '%d', but the entity is already assigned to this group", value.EntityKey, cmd.Key)
	}
	out := group.GroupRecord
	out.EntityKey = value.EntityKey
	_, err = w.event(record.IntentEntityAdded, cmd.Key, out)
	return err
}

func (e *Engine) removeGroupEntity(w *writer, cmd record.Record) error {
	value, err := valueOf[record.GroupRecord](cmd)
	if err != nil {
		return err
	}
	if err = e.authorize(cmd, record.ResourceGroup, record.PermissionUpdate, ""); err != nil {
		return err
	}
	group, ok := e.State.Identities.Group(cmd.Key)
	if !ok {
		return record.Reject(record.RejectNotFound,
			"Expected to update group with key '%d', but a group with this key does not exist", cmd.Key)
	}
	if !e.State.Identities.IsMember(cmd.Key, value.EntityKey) {
		return record.Reject(record.RejectNotFound,
			"Expected to remove entity with key '%d' from group with key '%d', but the entity is not assigned to this group", value.EntityKey, cmd.Key)
	}
	out := group.GroupRecord
	out.EntityKey = value.EntityKey
	_, err = w.event(record.IntentEntityRemoved, cmd.Key, out)
	return err
}

func (e *Engine) deleteGroup(w *writer, cmd record.Record) error {
	if err := e.authorize(cmd, record.ResourceGroup, record.PermissionDelete, ""); err != nil {
		return err
	}
	group, ok := e.State.Identities.Group(cmd.Key)
	if !ok {
		return record.Reject(record.RejectNotFound,
			"Expected to delete group with key '%d', but a group with this key does not exist", cmd.Key)
	}
	_, err := w.event(record.IntentDeleted, cmd.Key, group.GroupRecord)
	return err
}
