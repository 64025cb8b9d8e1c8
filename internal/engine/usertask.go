package engine

import (
	"fmt"
	"slices"
	"strings"

	"flowkernel/internal/record"
	"flowkernel/internal/state"
)

var (
	openTaskCommands = []record.Intent{
		record.IntentAssign, record.IntentClaim, record.IntentUpdate, record.IntentComplete, record.IntentCancel,
	}
	// userTaskCommands lists the client commands each state accepts.
	userTaskCommands = map[record.UserTaskState][]record.Intent{
		record.UserTaskCreated:          openTaskCommands,
		record.UserTaskAssigned:         openTaskCommands,
		record.UserTaskCompletionDenied: {record.IntentAssign, record.IntentClaim, record.IntentUpdate, record.IntentCancel},
		record.UserTaskAssigning:        {record.IntentCancel},
	}
	updatableAttributes = []string{
		record.AttrDueDate, record.AttrFollowUpDate, record.AttrCandidateUsers, record.AttrCandidateGroups, record.AttrPriority,
	}
)

func verb(intent record.Intent) string {
	return strings.ToLower(string(intent))
}

func validPriority(p int) bool { return p >= 0 && p <= 100 }

// lookupUserTask resolves the task a client command addresses, checks the
// caller may update its process and that the task's state accepts the
// command.
func (e *Engine) lookupUserTask(cmd record.Record) (state.UserTask, error) {
	task, ok := e.State.UserTasks.Get(cmd.Key)
	if !ok {
		return task, record.Reject(record.RejectNotFound,
			"Expected to %s user task with key '%d', but no such user task was found", verb(cmd.Intent), cmd.Key)
	}
	if err := e.authorize(cmd, record.ResourceProcessDefinition, record.PermissionUpdate, task.BpmnProcessID); err != nil {
		return task, err
	}
	if !slices.Contains(userTaskCommands[task.State], cmd.Intent) {
		return task, record.Reject(record.RejectInvalidState,
			"Expected to %s user task with key '%d', but it is in state '%s'", verb(cmd.Intent), cmd.Key, task.State)
	}
	return task, nil
}

func (e *Engine) createUserTask(w *writer, cmd record.Record) error {
	v, err := valueOf[record.UserTaskRecord](cmd)
	if err != nil {
		return err
	}
	if err = e.authorize(cmd, record.ResourceProcessDefinition, record.PermissionCreate, v.BpmnProcessID); err != nil {
		return err
	}
	if strings.TrimSpace(v.BpmnProcessID) == "" {
		return record.Reject(record.RejectInvalidArgument, "Expected to create user task with a non-empty bpmnProcessId, but none was given")
	}
	if !validPriority(v.Priority) {
		return record.Reject(record.RejectInvalidArgument,
			"Expected to create user task with priority in range [0, 100], but priority was '%d'", v.Priority)
	}
	for _, l := range v.TaskListeners {
		if !l.EventType.Valid() || strings.TrimSpace(l.Type) == "" {
			return record.Reject(record.RejectInvalidArgument,
				"Expected task listeners with a supported event type and a non-empty job type, but got event type '%s' and job type '%s'", l.EventType, l.Type)
		}
	}

	key := e.State.Keys.Next()
	assignee := v.Assignee
	value := stored(v)
	value.UserTaskKey = key
	value.Assignee = ""
	value.Action = ""
	value.ChangedAttributes = nil
	if _, err = w.event(record.IntentCreating, key, value); err != nil {
		return err
	}
	if _, err = w.event(record.IntentCreated, key, value); err != nil {
		return err
	}
	if assignee != "" {
		w.followUp(record.NewInternalCommand(record.IntentAssign, key, record.UserTaskRecord{
			UserTaskKey: key,
			Assignee:    assignee,
			Action:      verb(record.IntentAssign),
		}))
	}
	return nil
}

func (e *Engine) assignUserTask(w *writer, cmd record.Record) error {
	v, err := valueOf[record.UserTaskRecord](cmd)
	if err != nil {
		return err
	}
	task, err := e.lookupUserTask(cmd)
	if err != nil {
		return err
	}
	if cmd.Intent == record.IntentClaim {
		if v.Assignee == "" {
			return record.Reject(record.RejectInvalidArgument,
				"Expected to claim user task with key '%d', but no assignee was given", cmd.Key)
		}
		if task.Assignee != "" && task.Assignee != v.Assignee {
			return record.Reject(record.RejectInvalidState,
				"Expected to claim user task with key '%d', but it has already been assigned", cmd.Key)
		}
	}
	value := stored(task.UserTaskRecord)
	value.Assignee = v.Assignee
	value.Action = actionOr(v.Action, cmd.Intent)
	value.ChangedAttributes = []string{record.AttrAssignee}
	return e.beginGatedTransition(w, cmd.Key, record.IntentAssigning, value)
}

func (e *Engine) updateUserTask(w *writer, cmd record.Record) error {
	v, err := valueOf[record.UserTaskRecord](cmd)
	if err != nil {
		return err
	}
	task, err := e.lookupUserTask(cmd)
	if err != nil {
		return err
	}
	if len(v.ChangedAttributes) == 0 {
		return record.Reject(record.RejectInvalidArgument,
			"Expected to update user task with key '%d', but no attributes to update were given", cmd.Key)
	}
	for _, attr := range v.ChangedAttributes {
		if !slices.Contains(updatableAttributes, attr) {
			return record.Reject(record.RejectInvalidArgument,
				"Expected to update user task with key '%d', but attribute '%s' cannot be updated", cmd.Key, attr)
		}
	}
	if slices.Contains(v.ChangedAttributes, record.AttrPriority) && !validPriority(v.Priority) {
		return record.Reject(record.RejectInvalidArgument,
			"Expected to update user task with key '%d' with priority in range [0, 100], but priority was '%d'", cmd.Key, v.Priority)
	}
	value := stored(task.Apply(v.Correctable(), v.ChangedAttributes))
	value.ChangedAttributes = slices.Clone(v.ChangedAttributes)
	value.Action = actionOr(v.Action, cmd.Intent)
	_, err = w.event(record.IntentUpdated, cmd.Key, value)
	return err
}

func (e *Engine) completeUserTask(w *writer, cmd record.Record) error {
	v, err := valueOf[record.UserTaskRecord](cmd)
	if err != nil {
		return err
	}
	task, err := e.lookupUserTask(cmd)
	if err != nil {
		return err
	}
	value := stored(task.UserTaskRecord)
	value.Variables = v.Variables
	value.Action = actionOr(v.Action, cmd.Intent)
	return e.beginGatedTransition(w, cmd.Key, record.IntentCompleting, value)
}

// cancelUserTask supersedes a pending assignment: its listener job is
// canceled and the waiting assignment request is rejected.
func (e *Engine) cancelUserTask(w *writer, cmd record.Record) error {
	v, err := valueOf[record.UserTaskRecord](cmd)
	if err != nil {
		return err
	}
	task, err := e.lookupUserTask(cmd)
	if err != nil {
		return err
	}
	value := stored(task.UserTaskRecord)
	if task.State == record.UserTaskAssigning {
		value = stored(task.Apply(task.PreTransition, record.CorrectableAttributes()))
		superseded := pendingRejection(cmd, task, record.Reject(record.RejectInvalidState,
			"Expected to %s user task with key '%d', but it was canceled", verb(pendingIntent(task)), task.UserTaskKey))
		if err := e.abortListenerJob(w, task.ListenerJobKey); err != nil {
			return err
		}
		w.respond(task.PendingRequestID, superseded)
	}
	value.Action = actionOr(v.Action, cmd.Intent)
	return e.beginGatedTransition(w, cmd.Key, record.IntentCanceling, value)
}

// completeTaskListener is the follow-up of a successful listener job: the
// listener's corrections are merged, then the next listener runs or the
// transition finishes.
func (e *Engine) completeTaskListener(w *writer, cmd record.Record) error {
	v, err := valueOf[record.UserTaskRecord](cmd)
	if err != nil {
		return err
	}
	task, err := e.waitingTask(cmd, v.ListenerJobKey)
	if err != nil {
		return err
	}
	if len(v.CorrectedAttributes) > 0 {
		corrected := stored(task.Apply(v.Corrections, v.CorrectedAttributes))
		corrected.Corrections = v.Corrections.Clone()
		corrected.CorrectedAttributes = slices.Clone(v.CorrectedAttributes)
		if _, err = w.event(record.IntentCorrected, cmd.Key, corrected); err != nil {
			return err
		}
	}
	task, _ = e.State.UserTasks.Get(cmd.Key)
	done := stored(task.UserTaskRecord)
	done.ListenerJobKey = v.ListenerJobKey
	if _, err = w.event(record.IntentTaskListenerCompleted, cmd.Key, done); err != nil {
		return err
	}
	task, _ = e.State.UserTasks.Get(cmd.Key)
	if len(task.PendingListeners) > 0 {
		return e.createListenerJob(w, task)
	}
	return e.finishTransition(w, task)
}

// denyTaskListener is the follow-up of a listener job completed with
// denied=true. Corrections of earlier listeners are discarded and the waiting
// request is rejected.
func (e *Engine) denyTaskListener(w *writer, cmd record.Record) error {
	v, err := valueOf[record.UserTaskRecord](cmd)
	if err != nil {
		return err
	}
	task, err := e.waitingTask(cmd, v.ListenerJobKey)
	if err != nil {
		return err
	}
	var intent record.Intent
	var reason string
	switch task.State {
	case record.UserTaskAssigning:
		intent, reason = record.IntentAssignmentDenied, "Assignment of the User Task with key '%d' was denied by Task Listener"
	case record.UserTaskCompleting:
		intent, reason = record.IntentCompletionDenied, "Completion of the User Task with key '%d' was denied by Task Listener"
	default:
		return record.Reject(record.RejectInvalidArgument,
			"Expected to deny the transition of user task with key '%d', but listeners of the '%s' event cannot deny", cmd.Key, task.ListenerEventType)
	}
	denied := pendingRejection(cmd, task, record.Reject(record.RejectInvalidState, reason, task.UserTaskKey))
	value := stored(task.Apply(task.PreTransition, record.CorrectableAttributes()))
	if _, err = w.event(intent, cmd.Key, value); err != nil {
		return err
	}
	w.respond(task.PendingRequestID, denied)
	return nil
}

// waitingTask resolves the task a listener follow-up addresses and checks it
// still waits on jobKey.
func (e *Engine) waitingTask(cmd record.Record, jobKey int64) (state.UserTask, error) {
	task, ok := e.State.UserTasks.Get(cmd.Key)
	if !ok {
		return task, record.Reject(record.RejectNotFound,
			"Expected to %s for user task with key '%d', but no such user task was found", verb(cmd.Intent), cmd.Key)
	}
	if !task.InTransition() || task.ListenerJobKey != jobKey {
		return task, record.Reject(record.RejectInvalidState,
			"Expected user task with key '%d' to wait on task listener job '%d', but it is in state '%s'", cmd.Key, jobKey, task.State)
	}
	return task, nil
}

// beginGatedTransition writes the -ING event, then either creates the job of
// the first listener registered for the event or, without listeners,
// finishes the transition right away.
func (e *Engine) beginGatedTransition(w *writer, key int64, intent record.Intent, value record.UserTaskRecord) error {
	if _, err := w.event(intent, key, value); err != nil {
		return err
	}
	task, _ := e.State.UserTasks.Get(key)
	if len(task.PendingListeners) > 0 {
		w.deferResponse()
		return e.createListenerJob(w, task)
	}
	return e.finishTransition(w, task)
}

func (e *Engine) finishTransition(w *writer, task state.UserTask) error {
	value := stored(task.UserTaskRecord)
	value.Action = task.PendingAction
	var intent record.Intent
	switch task.State {
	case record.UserTaskAssigning:
		intent = record.IntentAssigned
	case record.UserTaskCompleting:
		intent = record.IntentCompleted
		value.Variables = task.PendingVariables
	case record.UserTaskCanceling:
		intent = record.IntentCanceled
	default:
		return fmt.Errorf("user task %d is not in a gated transition (state %s)", task.UserTaskKey, task.State)
	}
	requestID := task.PendingRequestID
	evt, err := w.event(intent, task.UserTaskKey, value)
	if err != nil {
		return err
	}
	w.respond(requestID, evt)
	return nil
}

func (e *Engine) createListenerJob(w *writer, task state.UserTask) error {
	listener := task.PendingListeners[0]
	retries := listener.Retries
	if retries <= 0 {
		retries = e.listenerRetries()
	}
	job := record.JobRecord{
		Type:              listener.Type,
		Kind:              record.JobKindTaskListener,
		ListenerEventType: task.ListenerEventType,
		Retries:           retries,
		BpmnProcessID:     task.BpmnProcessID,
		ElementID:         task.ElementID,
		UserTaskKey:       task.UserTaskKey,
	}
	if _, err := w.event(record.IntentCreated, e.State.Keys.Next(), job); err != nil {
		return err
	}
	w.jobAvailable(listener.Type)
	return nil
}

// abortListenerJob cancels a pending listener job together with its open
// incident.
func (e *Engine) abortListenerJob(w *writer, jobKey int64) error {
	job, ok := e.State.Jobs.Get(jobKey)
	if !ok {
		return nil
	}
	if inc, ok := e.State.Incidents.ForJob(jobKey); ok {
		if _, err := w.event(record.IntentResolved, inc.Key, inc.IncidentRecord); err != nil {
			return err
		}
	}
	_, err := w.event(record.IntentCanceled, jobKey, job.JobRecord)
	return err
}

func actionOr(action string, intent record.Intent) string {
	if action != "" {
		return action
	}
	return verb(intent)
}

func pendingIntent(task state.UserTask) record.Intent {
	switch task.ListenerEventType {
	case record.ListenerAssigning:
		if task.PendingAction == verb(record.IntentClaim) {
			return record.IntentClaim
		}
		return record.IntentAssign
	case record.ListenerCompleting:
		return record.IntentComplete
	default:
		return record.IntentCancel
	}
}

// pendingRejection builds the rejection answered to the request waiting on
// task's gated transition. It is a response only and never written to the
// log.
func pendingRejection(cmd record.Record, task state.UserTask, rej *record.Rejection) record.Record {
	return record.Record{
		SourcePosition:  cmd.Position,
		Key:             task.UserTaskKey,
		Timestamp:       cmd.Timestamp,
		RecordType:      record.TypeCommandRejection,
		ValueType:       record.ValueUserTask,
		Intent:          pendingIntent(task),
		RejectionType:   rej.Type,
		RejectionReason: rej.Reason,
		RequestID:       task.PendingRequestID,
		Value:           stored(task.UserTaskRecord),
	}
}
