package record

import (
	"maps"
	"slices"
)

type JobKind string

const (
	JobKindBpmnElement  JobKind = "BPMN_ELEMENT"
	JobKindTaskListener JobKind = "TASK_LISTENER"
)

type JobState string

const (
	// JobActivatable is the CREATED state: the job may be claimed by a worker.
	JobActivatable JobState = "CREATED"
	JobActivated   JobState = "ACTIVATED"
	JobFailed      JobState = "FAILED"
	JobCompleted   JobState = "COMPLETED"
	JobCanceled    JobState = "CANCELED"
)

// JobResult is what a task listener reports back on completion.
type JobResult struct {
	Denied              bool        `json:"denied"`
	Corrections         Corrections `json:"corrections,omitempty"`
	CorrectedAttributes []string    `json:"correctedAttributes,omitempty"`
}

// JobRecord is the payload of JOB records.
type JobRecord struct {
	Type              string            `json:"type"`
	Kind              JobKind           `json:"jobKind"`
	ListenerEventType ListenerEventType `json:"listenerEventType,omitempty"`
	Retries           int               `json:"retries"`
	Worker            string            `json:"worker,omitempty"`
	Deadline          int64             `json:"deadline,omitempty"`
	ErrorMessage      string            `json:"errorMessage,omitempty"`
	Variables         map[string]any    `json:"variables,omitempty"`
	Result            JobResult         `json:"result"`
	BpmnProcessID     string            `json:"bpmnProcessId"`
	ElementID         string            `json:"elementId,omitempty"`
	UserTaskKey       int64             `json:"userTaskKey,omitempty"`
}

func (JobRecord) ValueType() ValueType { return ValueJob }

func (j JobRecord) IsTaskListener() bool { return j.Kind == JobKindTaskListener }

// Clone returns a deep copy.
func (j JobRecord) Clone() JobRecord {
	out := j
	out.Variables = maps.Clone(j.Variables)
	out.Result.Corrections = j.Result.Corrections.Clone()
	out.Result.CorrectedAttributes = slices.Clone(j.Result.CorrectedAttributes)
	return out
}

// JobBatchRecord is the payload of JOB_BATCH records. Timeout is in
// milliseconds.
type JobBatchRecord struct {
	Type              string      `json:"type"`
	Worker            string      `json:"worker"`
	Timeout           int64       `json:"timeout"`
	MaxJobsToActivate int         `json:"maxJobsToActivate"`
	JobKeys           []int64     `json:"jobKeys,omitempty"`
	Jobs              []JobRecord `json:"jobs,omitempty"`
}

func (JobBatchRecord) ValueType() ValueType { return ValueJobBatch }
