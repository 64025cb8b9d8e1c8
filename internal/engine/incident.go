package engine

import (
	"flowkernel/internal/record"
)

const defaultIncidentMessage = "No more retries left."

// raiseIncident writes INCIDENT CREATED for a job that ran out of retries.
func (e *Engine) raiseIncident(w *writer, jobKey int64, job record.JobRecord) (record.Record, error) {
	inc := record.IncidentRecord{
		ErrorType:     record.ErrorJobNoRetries,
		ErrorMessage:  job.ErrorMessage,
		JobKey:        jobKey,
		UserTaskKey:   job.UserTaskKey,
		BpmnProcessID: job.BpmnProcessID,
	}
	if job.IsTaskListener() {
		inc.ErrorType = record.ErrorTaskListenerNoRetries
	}
	if inc.ErrorMessage == "" {
		inc.ErrorMessage = defaultIncidentMessage
	}
	key := e.State.Keys.Next()
	evt, err := w.event(record.IntentCreated, key, inc)
	if err != nil {
		return evt, err
	}
	e.logger().Warn("incident raised",
		"incident_key", key,
		"job_key", jobKey,
		"job_type", job.Type,
		"error_type", inc.ErrorType,
		"error_message", inc.ErrorMessage)
	return evt, nil
}

// resolveIncident deletes the incident. A job whose retries were raised
// beforehand becomes activatable again; a job still without retries stays
// failed and gets a fresh incident.
func (e *Engine) resolveIncident(w *writer, cmd record.Record) error {
	inc, ok := e.State.Incidents.Get(cmd.Key)
	if !ok {
		return record.Reject(record.RejectNotFound,
			"Expected to resolve incident with key '%d', but no such incident was found", cmd.Key)
	}
	if err := e.authorize(cmd, record.ResourceProcessDefinition, record.PermissionUpdate, inc.BpmnProcessID); err != nil {
		return err
	}
	resolved, err := w.event(record.IntentResolved, inc.Key, inc.IncidentRecord)
	if err != nil {
		return err
	}
	w.respond(cmd.RequestID, resolved)

	job, ok := e.State.Jobs.Get(inc.JobKey)
	if !ok {
		return nil
	}
	if job.Retries > 0 {
		w.jobAvailable(job.Type)
		return nil
	}
	e.logger().Warn("incident resolved without retries; job stays failed",
		"incident_key", inc.Key,
		"job_key", job.Key)
	stale := job.JobRecord.Clone()
	if stale.ErrorMessage == "" {
		stale.ErrorMessage = inc.ErrorMessage
	}
	_, err = e.raiseIncident(w, job.Key, stale)
	return err
}
