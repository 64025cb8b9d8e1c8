package engine

import (
	"flowkernel/internal/engine/auth"
	"flowkernel/internal/record"
)

func (e *Engine) createAuthorization(w *writer, cmd record.Record) error {
	rec, err := valueOf[record.AuthorizationRecord](cmd)
	if err != nil {
		return err
	}
	if err = e.authorize(cmd, record.ResourceAuthorization, record.PermissionCreate, ""); err != nil {
		return err
	}
	rec, err = e.Permissions.OwnerExists(rec)
	if err != nil {
		return err
	}
	if rec, err = e.Permissions.HasValidPermissionTypes(rec, auth.AddPermissionTypesMessage); err != nil {
		return err
	}
	if rec, err = e.Permissions.AuthorizationAlreadyExists(rec); err != nil {
		return err
	}
	key := e.State.Keys.Next()
	rec.AuthorizationKey = key
	_, err = w.event(record.IntentCreated, key, rec)
	return err
}

func (e *Engine) updateAuthorization(w *writer, cmd record.Record) error {
	rec, err := valueOf[record.AuthorizationRecord](cmd)
	if err != nil {
		return err
	}
	if rec.AuthorizationKey == 0 {
		rec.AuthorizationKey = cmd.Key
	}
	if err = e.authorize(cmd, record.ResourceAuthorization, record.PermissionUpdate, ""); err != nil {
		return err
	}
	rec, err = e.Permissions.AuthorizationExists(rec)
	if err != nil {
		return err
	}
	if existing, ok := e.State.Authorizations.Get(rec.AuthorizationKey); ok && rec.OwnerKey == 0 {
		rec.OwnerKey = existing.OwnerKey
	}
	if rec, err = e.Permissions.OwnerExists(rec); err != nil {
		return err
	}
	if rec, err = e.Permissions.HasValidPermissionTypes(rec, auth.AddPermissionTypesMessage); err != nil {
		return err
	}
	_, err = w.event(record.IntentUpdated, rec.AuthorizationKey, rec)
	return err
}

func (e *Engine) deleteAuthorization(w *writer, cmd record.Record) error {
	rec, err := valueOf[record.AuthorizationRecord](cmd)
	if err != nil {
		return err
	}
	if err = e.authorize(cmd, record.ResourceAuthorization, record.PermissionDelete, ""); err != nil {
		return err
	}
	key := rec.AuthorizationKey
	if key == 0 {
		key = cmd.Key
	}
	existing, err := e.Permissions.AuthorizationKeyExists(key)
	if err != nil {
		return err
	}
	_, err = w.event(record.IntentDeleted, key, existing)
	return err
}

func (e *Engine) addPermission(w *writer, cmd record.Record) error {
	rec, err := valueOf[record.AuthorizationRecord](cmd)
	if err != nil {
		return err
	}
	if rec.OwnerKey == 0 {
		rec.OwnerKey = cmd.Key
	}
	if err = e.authorize(cmd, record.ResourceAuthorization, record.PermissionUpdate, ""); err != nil {
		return err
	}
	rec, err = e.Permissions.OwnerExists(rec)
	if err != nil {
		return err
	}
	if rec, err = e.Permissions.HasValidPermissionTypes(rec, auth.AddPermissionTypesMessage); err != nil {
		return err
	}
	if rec, err = e.Permissions.PermissionAlreadyExists(rec); err != nil {
		return err
	}
	_, err = w.event(record.IntentPermissionAdded, rec.OwnerKey, rec)
	return err
}

func (e *Engine) removePermission(w *writer, cmd record.Record) error {
	rec, err := valueOf[record.AuthorizationRecord](cmd)
	if err != nil {
		return err
	}
	if rec.OwnerKey == 0 {
		rec.OwnerKey = cmd.Key
	}
	if err = e.authorize(cmd, record.ResourceAuthorization, record.PermissionUpdate, ""); err != nil {
		return err
	}
	rec, err = e.Permissions.OwnerExists(rec)
	if err != nil {
		return err
	}
	if rec, err = e.Permissions.HasValidPermissionTypes(rec, auth.RemovePermissionTypesMessage); err != nil {
		return err
	}
	if rec, err = e.Permissions.PermissionDoesNotExist(rec); err != nil {
		return err
	}
	_, err = w.event(record.IntentPermissionRemoved, rec.OwnerKey, rec)
	return err
}
