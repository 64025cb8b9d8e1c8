package record

type ErrorType string

const (
	ErrorJobNoRetries          ErrorType = "JOB_NO_RETRIES"
	ErrorTaskListenerNoRetries ErrorType = "TASK_LISTENER_NO_RETRIES"
)

// IncidentRecord is the payload of INCIDENT records.
type IncidentRecord struct {
	ErrorType     ErrorType `json:"errorType"`
	ErrorMessage  string    `json:"errorMessage"`
	JobKey        int64     `json:"jobKey"`
	UserTaskKey   int64     `json:"userTaskKey,omitempty"`
	BpmnProcessID string    `json:"bpmnProcessId,omitempty"`
}

func (IncidentRecord) ValueType() ValueType { return ValueIncident }
