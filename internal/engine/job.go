package engine

import (
	"slices"
	"strings"

	"flowkernel/internal/record"
	"flowkernel/internal/state"
)

func (e *Engine) lookupJob(cmd record.Record) (state.Job, error) {
	job, ok := e.State.Jobs.Get(cmd.Key)
	if !ok {
		return job, record.Reject(record.RejectNotFound,
			"Expected to %s job with key '%d', but no such job was found", jobVerb(cmd.Intent), cmd.Key)
	}
	if err := e.authorize(cmd, record.ResourceProcessDefinition, record.PermissionUpdate, job.BpmnProcessID); err != nil {
		return job, err
	}
	return job, nil
}

func jobVerb(intent record.Intent) string {
	switch intent {
	case record.IntentUpdateRetries:
		return "update retries of"
	case record.IntentTimeOut:
		return "time out"
	}
	return verb(intent)
}

func (e *Engine) createJob(w *writer, cmd record.Record) error {
	v, err := valueOf[record.JobRecord](cmd)
	if err != nil {
		return err
	}
	if err = e.authorize(cmd, record.ResourceProcessDefinition, record.PermissionCreate, v.BpmnProcessID); err != nil {
		return err
	}
	if strings.TrimSpace(v.Type) == "" {
		return record.Reject(record.RejectInvalidArgument, "Expected to create job with a non-empty type, but none was given")
	}
	if v.Retries < 1 {
		return record.Reject(record.RejectInvalidArgument,
			"Expected to create job with a positive amount of retries, but the amount given was '%d'", v.Retries)
	}
	job := v.Clone()
	job.Kind = record.JobKindBpmnElement
	job.ListenerEventType = ""
	job.UserTaskKey = 0
	job.Worker = ""
	job.Deadline = 0
	job.Result = record.JobResult{}
	if _, err = w.event(record.IntentCreated, e.State.Keys.Next(), job); err != nil {
		return err
	}
	w.jobAvailable(job.Type)
	return nil
}

// activateJobs hands the worker up to MaxJobsToActivate activatable jobs of
// the type, restricted to processes the principal may read.
func (e *Engine) activateJobs(w *writer, cmd record.Record) error {
	v, err := valueOf[record.JobBatchRecord](cmd)
	if err != nil {
		return err
	}
	if err = e.authorize(cmd, record.ResourceProcessDefinition, record.PermissionRead, ""); err != nil {
		return err
	}
	switch {
	case strings.TrimSpace(v.Type) == "":
		return record.Reject(record.RejectInvalidArgument, "Expected to activate jobs with a non-empty type, but none was given")
	case v.MaxJobsToActivate < 1:
		return record.Reject(record.RejectInvalidArgument,
			"Expected to activate a positive amount of jobs, but the amount given was '%d'", v.MaxJobsToActivate)
	case v.Timeout < 1:
		return record.Reject(record.RejectInvalidArgument,
			"Expected to activate jobs with a positive timeout, but the timeout given was '%d'", v.Timeout)
	}

	readable := func(string) bool { return true }
	if e.Auth.Enabled && !cmd.Internal {
		ids := e.Auth.ResourceIDs(cmd.Principal, record.ResourceProcessDefinition, record.PermissionRead)
		if !slices.Contains(ids, record.WildcardResourceID) {
			readable = func(id string) bool { return slices.Contains(ids, id) }
		}
	}
	batch := record.JobBatchRecord{
		Type:              v.Type,
		Worker:            v.Worker,
		Timeout:           v.Timeout,
		MaxJobsToActivate: v.MaxJobsToActivate,
	}
	deadline := cmd.Timestamp + v.Timeout
	for _, job := range e.State.Jobs.Activatable(v.Type) {
		if len(batch.JobKeys) >= v.MaxJobsToActivate {
			break
		}
		if !readable(job.BpmnProcessID) {
			continue
		}
		activated := job.JobRecord.Clone()
		activated.Worker = v.Worker
		activated.Deadline = deadline
		batch.JobKeys = append(batch.JobKeys, job.Key)
		batch.Jobs = append(batch.Jobs, activated)
	}
	_, err = w.event(record.IntentActivated, e.State.Keys.Next(), batch)
	return err
}

// completeJob completes a job. A rejected completion of a job that is still
// in progress counts as a failure: besides the rejection, a FAIL follow-up
// carrying the rejection message is written.
func (e *Engine) completeJob(w *writer, cmd record.Record) error {
	v, err := valueOf[record.JobRecord](cmd)
	if err != nil {
		return err
	}
	job, err := e.lookupJob(cmd)
	if err != nil {
		return err
	}
	if err := e.validateCompletion(job, v); err != nil {
		rej, ok := record.AsRejection(err)
		if !ok {
			return err
		}
		w.reject(rej)
		if job.State == record.JobActivatable || job.State == record.JobActivated {
			w.followUp(record.NewInternalCommand(record.IntentFail, job.Key, record.JobRecord{
				ErrorMessage: record.CommandRejectedMessage(record.IntentComplete, rej),
			}))
		}
		return nil
	}

	completed := job.JobRecord.Clone()
	completed.Variables = v.Variables
	completed.Result = v.Result
	if _, err = w.event(record.IntentCompleted, job.Key, completed); err != nil {
		return err
	}
	if job.IsTaskListener() {
		e.routeListenerCompletion(w, job, v.Result)
	}
	return nil
}

func (e *Engine) validateCompletion(job state.Job, v record.JobRecord) error {
	if job.State != record.JobActivatable && job.State != record.JobActivated {
		return record.Reject(record.RejectInvalidState,
			"Expected to complete job with key '%d', but it is in state '%s'", job.Key, job.State)
	}
	if !job.IsTaskListener() {
		return nil
	}
	if len(v.Variables) > 0 {
		return record.Reject(record.RejectInvalidArgument,
			"Task Listener job completion with variables payload provided is not yet supported (job key '%d', type '%s')", job.Key, job.Type)
	}
	result := v.Result
	if job.ListenerEventType == record.ListenerCanceling {
		if result.Denied {
			return record.Reject(record.RejectInvalidArgument,
				"Denying the transition is not supported for task listeners of the 'canceling' event (job key '%d', type '%s')", job.Key, job.Type)
		}
		if len(result.CorrectedAttributes) > 0 {
			return record.Reject(record.RejectInvalidArgument,
				"Correcting user task attributes is not supported for task listeners of the 'canceling' event (job key '%d', type '%s')", job.Key, job.Type)
		}
	}
	if result.Denied {
		return nil
	}
	supported := record.CorrectableAttributes()
	for _, attr := range result.CorrectedAttributes {
		if !slices.Contains(supported, attr) {
			return record.Reject(record.RejectInvalidArgument,
				"Expected to correct user task attributes %s, but attribute '%s' is unknown (job key '%d', type '%s')",
				record.FormatIDs(supported), attr, job.Key, job.Type)
		}
	}
	if slices.Contains(result.CorrectedAttributes, record.AttrPriority) && !validPriority(result.Corrections.Priority) {
		return record.Reject(record.RejectInvalidArgument,
			"Expected to correct user task priority in range [0, 100], but priority was '%d' (job key '%d', type '%s')",
			result.Corrections.Priority, job.Key, job.Type)
	}
	return nil
}

// routeListenerCompletion hands a completed listener job back to its user
// task through an internal follow-up.
func (e *Engine) routeListenerCompletion(w *writer, job state.Job, result record.JobResult) {
	intent := record.IntentCompleteTaskListener
	value := record.UserTaskRecord{UserTaskKey: job.UserTaskKey, BpmnProcessID: job.BpmnProcessID, ListenerJobKey: job.Key}
	if result.Denied {
		intent = record.IntentDenyTaskListener
	} else {
		value.Corrections = result.Corrections.Clone()
		value.CorrectedAttributes = slices.Clone(result.CorrectedAttributes)
	}
	w.followUp(record.NewInternalCommand(intent, job.UserTaskKey, value))
}

// failJob consumes one retry. The job becomes activatable again while
// retries remain; otherwise an incident is raised.
func (e *Engine) failJob(w *writer, cmd record.Record) error {
	v, err := valueOf[record.JobRecord](cmd)
	if err != nil {
		return err
	}
	job, err := e.lookupJob(cmd)
	if err != nil {
		return err
	}
	if job.State != record.JobActivatable && job.State != record.JobActivated {
		return record.Reject(record.RejectInvalidState,
			"Expected to fail job with key '%d', but it is in state '%s'", job.Key, job.State)
	}
	failed := job.JobRecord.Clone()
	failed.Retries = max(job.Retries-1, 0)
	failed.ErrorMessage = v.ErrorMessage
	failed.Worker = ""
	failed.Deadline = 0
	if _, err = w.event(record.IntentFailed, job.Key, failed); err != nil {
		return err
	}
	if failed.Retries > 0 {
		w.jobAvailable(job.Type)
		return nil
	}
	_, err = e.raiseIncident(w, job.Key, failed)
	return err
}

func (e *Engine) updateJobRetries(w *writer, cmd record.Record) error {
	v, err := valueOf[record.JobRecord](cmd)
	if err != nil {
		return err
	}
	job, err := e.lookupJob(cmd)
	if err != nil {
		return err
	}
	if v.Retries < 1 {
		return record.Reject(record.RejectInvalidArgument,
			"Expected to update retries for job with key '%d' with a positive amount of retries, but the amount given was '%d'", job.Key, v.Retries)
	}
	updated := job.JobRecord.Clone()
	updated.Retries = v.Retries
	_, err = w.event(record.IntentRetriesUpdated, job.Key, updated)
	return err
}

// timeOutJob returns an activated job whose deadline passed to the pool
// without consuming a retry.
func (e *Engine) timeOutJob(w *writer, cmd record.Record) error {
	job, err := e.lookupJob(cmd)
	if err != nil {
		return err
	}
	if job.State != record.JobActivated {
		return record.Reject(record.RejectInvalidState,
			"Expected to time out activated job with key '%d', but it is in state '%s'", job.Key, job.State)
	}
	if job.Deadline > cmd.Timestamp {
		return record.Reject(record.RejectInvalidState,
			"Expected to time out job with key '%d', but its deadline '%d' has not passed", job.Key, job.Deadline)
	}
	timedOut := job.JobRecord.Clone()
	timedOut.Worker = ""
	timedOut.Deadline = 0
	if _, err = w.event(record.IntentTimedOut, job.Key, timedOut); err != nil {
		return err
	}
	w.jobAvailable(job.Type)
	return nil
}
