package engine

import (
	"fmt"

	"flowkernel/internal/record"
	"flowkernel/internal/state"
)

// Apply mutates st according to one event. It is the only code path that
// writes to the stores, both while processing and during replay.
func Apply(st *state.State, evt record.Record) error {
	if evt.RecordType != record.TypeEvent {
		return fmt.Errorf("apply %s: not an event", evt)
	}
	st.Keys.Observe(evt.Key)
	var err error
	switch v := evt.Value.(type) {
	case record.AuthorizationRecord:
		err = applyAuthorization(st, evt, v)
	case record.UserRecord:
		err = applyUser(st, evt, v)
	case record.GroupRecord:
		err = applyGroup(st, evt, v)
	case record.UserTaskRecord:
		err = applyUserTask(st, evt, v)
	case record.JobRecord:
		err = applyJob(st, evt, v)
	case record.JobBatchRecord:
		err = applyJobBatch(st, evt, v)
	case record.IncidentRecord:
		err = applyIncident(st, evt, v)
	default:
		err = fmt.Errorf("unsupported value %T", evt.Value)
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", evt, err)
	}
	return nil
}

func unknownIntent(evt record.Record) error {
	return fmt.Errorf("no applier for intent %s", evt.Intent)
}

func applyAuthorization(st *state.State, evt record.Record, v record.AuthorizationRecord) error {
	switch evt.Intent {
	case record.IntentCreated, record.IntentUpdated:
		v.AuthorizationKey = evt.Key
		v.Permissions = nil
		st.Authorizations.Put(v)
	case record.IntentDeleted:
		st.Authorizations.Delete(evt.Key)
	case record.IntentPermissionAdded:
		st.Authorizations.AddPermissions(v.OwnerType, v.OwnerID, v.ResourceType, v.Permissions)
	case record.IntentPermissionRemoved:
		st.Authorizations.RemovePermissions(v.OwnerType, v.OwnerID, v.ResourceType, v.Permissions)
	default:
		return unknownIntent(evt)
	}
	return nil
}

func applyUser(st *state.State, evt record.Record, v record.UserRecord) error {
	switch evt.Intent {
	case record.IntentCreated:
		v.UserKey = evt.Key
		st.Identities.PutUser(v)
	case record.IntentDeleted:
		st.Identities.DeleteUser(evt.Key)
		st.Authorizations.RemoveOwner(record.OwnerUser, v.Username)
	default:
		return unknownIntent(evt)
	}
	return nil
}

func applyGroup(st *state.State, evt record.Record, v record.GroupRecord) error {
	switch evt.Intent {
	case record.IntentCreated:
		v.GroupKey = evt.Key
		st.Identities.PutGroup(v)
	case record.IntentEntityAdded:
		st.Identities.AddMember(evt.Key, v.EntityKey)
	case record.IntentEntityRemoved:
		st.Identities.RemoveMember(evt.Key, v.EntityKey)
	case record.IntentDeleted:
		st.Identities.DeleteGroup(evt.Key)
		st.Authorizations.RemoveOwner(record.OwnerGroup, v.GroupID)
	default:
		return unknownIntent(evt)
	}
	return nil
}

// stored strips the command-only fields from a user task value.
func stored(v record.UserTaskRecord) record.UserTaskRecord {
	out := v.Clone()
	out.Corrections = record.Corrections{}
	out.CorrectedAttributes = nil
	out.ListenerJobKey = 0
	return out
}

// beginTransition records the bookkeeping of a gated transition.
func beginTransition(t *state.UserTask, to record.UserTaskState, eventType record.ListenerEventType, evt record.Record, action string) {
	t.PriorState = t.State
	t.PreTransition = t.Correctable()
	t.State = to
	t.ListenerEventType = eventType
	t.PendingListeners = t.ListenersFor(eventType)
	t.ListenerJobKey = 0
	t.PendingRequestID = evt.RequestID
	t.PendingAction = action
}

// restore reverts the correctable attributes to their value before the
// transition began.
func restore(t *state.UserTask) {
	t.UserTaskRecord = t.Apply(t.PreTransition, record.CorrectableAttributes())
}

func assignedState(assignee string) record.UserTaskState {
	if assignee == "" {
		return record.UserTaskCreated
	}
	return record.UserTaskAssigned
}

func applyUserTask(st *state.State, evt record.Record, v record.UserTaskRecord) error {
	if evt.Intent == record.IntentCreating {
		v.UserTaskKey = evt.Key
		st.UserTasks.Put(state.UserTask{UserTaskRecord: stored(v), State: record.UserTaskCreating})
		return nil
	}
	t, ok := st.UserTasks.Get(evt.Key)
	if !ok {
		return fmt.Errorf("user task %d not found", evt.Key)
	}
	switch evt.Intent {
	case record.IntentCreated:
		t.UserTaskRecord = stored(v)
		t.State = record.UserTaskCreated
	case record.IntentAssigning:
		beginTransition(&t, record.UserTaskAssigning, record.ListenerAssigning, evt, v.Action)
		t.Assignee = v.Assignee
	case record.IntentAssigned:
		t.UserTaskRecord = stored(v)
		t.State = assignedState(t.Assignee)
		t.ClearTransition()
	case record.IntentAssignmentDenied:
		restore(&t)
		t.State = t.PriorState
		t.ClearTransition()
	case record.IntentUpdated:
		t.UserTaskRecord = stored(v)
		if t.State == record.UserTaskCompletionDenied {
			t.State = assignedState(t.Assignee)
		}
	case record.IntentCompleting:
		beginTransition(&t, record.UserTaskCompleting, record.ListenerCompleting, evt, v.Action)
		t.PendingVariables = v.Variables
	case record.IntentCompleted:
		t.UserTaskRecord = stored(v)
		t.State = record.UserTaskCompleted
		t.ClearTransition()
	case record.IntentCompletionDenied:
		restore(&t)
		t.State = record.UserTaskCompletionDenied
		t.ClearTransition()
	case record.IntentCanceling:
		if t.State == record.UserTaskAssigning {
			restore(&t)
			t.State = t.PriorState
		}
		beginTransition(&t, record.UserTaskCanceling, record.ListenerCanceling, evt, v.Action)
	case record.IntentCanceled:
		t.UserTaskRecord = stored(v)
		t.State = record.UserTaskCanceled
		t.ClearTransition()
	case record.IntentCorrected:
		t.UserTaskRecord = t.Apply(v.Corrections, v.CorrectedAttributes)
	case record.IntentTaskListenerCompleted:
		if len(t.PendingListeners) > 0 {
			t.PendingListeners = t.PendingListeners[1:]
		}
		t.ListenerJobKey = 0
	default:
		return unknownIntent(evt)
	}
	st.UserTasks.Put(t)
	return nil
}

func applyJob(st *state.State, evt record.Record, v record.JobRecord) error {
	if evt.Intent == record.IntentCreated {
		st.Jobs.Put(state.Job{Key: evt.Key, JobRecord: v, State: record.JobActivatable})
		if v.IsTaskListener() {
			t, ok := st.UserTasks.Get(v.UserTaskKey)
			if !ok {
				return fmt.Errorf("user task %d of listener job not found", v.UserTaskKey)
			}
			t.ListenerJobKey = evt.Key
			st.UserTasks.Put(t)
		}
		return nil
	}
	job, ok := st.Jobs.Get(evt.Key)
	if !ok {
		return fmt.Errorf("job %d not found", evt.Key)
	}
	switch evt.Intent {
	case record.IntentCompleted, record.IntentCanceled:
		st.Jobs.Delete(evt.Key)
		return nil
	case record.IntentFailed:
		job.Retries = v.Retries
		job.ErrorMessage = v.ErrorMessage
		job.Worker = ""
		job.Deadline = 0
		if v.Retries > 0 {
			job.State = record.JobActivatable
		} else {
			job.State = record.JobFailed
		}
	case record.IntentRetriesUpdated:
		job.Retries = v.Retries
	case record.IntentTimedOut:
		job.State = record.JobActivatable
		job.Worker = ""
		job.Deadline = 0
	default:
		return unknownIntent(evt)
	}
	st.Jobs.Put(job)
	return nil
}

func applyJobBatch(st *state.State, evt record.Record, v record.JobBatchRecord) error {
	if evt.Intent != record.IntentActivated {
		return unknownIntent(evt)
	}
	if len(v.JobKeys) != len(v.Jobs) {
		return fmt.Errorf("batch carries %d keys but %d jobs", len(v.JobKeys), len(v.Jobs))
	}
	for i, key := range v.JobKeys {
		job, ok := st.Jobs.Get(key)
		if !ok {
			return fmt.Errorf("job %d not found", key)
		}
		job.State = record.JobActivated
		job.Worker = v.Worker
		job.Deadline = v.Jobs[i].Deadline
		st.Jobs.Put(job)
	}
	return nil
}

func applyIncident(st *state.State, evt record.Record, v record.IncidentRecord) error {
	switch evt.Intent {
	case record.IntentCreated:
		st.Incidents.Put(state.Incident{Key: evt.Key, IncidentRecord: v})
	case record.IntentResolved:
		st.Incidents.Delete(evt.Key)
		job, ok := st.Jobs.Get(v.JobKey)
		if ok && job.State == record.JobFailed && job.Retries > 0 {
			job.State = record.JobActivatable
			st.Jobs.Put(job)
		}
	default:
		return unknownIntent(evt)
	}
	return nil
}
