package record

import (
	"maps"
	"slices"
)

type UserTaskState string

const (
	UserTaskCreating         UserTaskState = "CREATING"
	UserTaskCreated          UserTaskState = "CREATED"
	UserTaskAssigning        UserTaskState = "ASSIGNING"
	UserTaskAssigned         UserTaskState = "ASSIGNED"
	UserTaskCompleting       UserTaskState = "COMPLETING"
	UserTaskCompleted        UserTaskState = "COMPLETED"
	UserTaskCompletionDenied UserTaskState = "COMPLETION_DENIED"
	UserTaskCanceling        UserTaskState = "CANCELING"
	UserTaskCanceled         UserTaskState = "CANCELED"
)

// ListenerEventType is the lifecycle event a task listener subscribes to.
type ListenerEventType string

const (
	ListenerAssigning  ListenerEventType = "assigning"
	ListenerCompleting ListenerEventType = "completing"
	ListenerCanceling  ListenerEventType = "canceling"
)

func (t ListenerEventType) Valid() bool {
	switch t {
	case ListenerAssigning, ListenerCompleting, ListenerCanceling:
		return true
	}
	return false
}

// Correctable user task attributes, as named in correctedAttributes and
// changedAttributes.
const (
	AttrAssignee        = "assignee"
	AttrDueDate         = "dueDate"
	AttrFollowUpDate    = "followUpDate"
	AttrCandidateUsers  = "candidateUsersList"
	AttrCandidateGroups = "candidateGroupsList"
	AttrPriority        = "priority"
)

var correctableAttributes = []string{
	AttrAssignee, AttrDueDate, AttrFollowUpDate, AttrCandidateUsers, AttrCandidateGroups, AttrPriority,
}

// CorrectableAttributes lists the attributes a listener may correct.
func CorrectableAttributes() []string { return slices.Clone(correctableAttributes) }

// DefaultPriority is applied to user tasks created without a priority.
const DefaultPriority = 50

// TaskListener describes one listener registered on a user task. Listeners
// for the same event run in registration order.
type TaskListener struct {
	EventType ListenerEventType `json:"eventType"`
	Type      string            `json:"type"`
	Retries   int               `json:"retries,omitempty"`
}

// UserTaskRecord is the payload of USER_TASK records.
type UserTaskRecord struct {
	UserTaskKey         int64          `json:"userTaskKey"`
	BpmnProcessID       string         `json:"bpmnProcessId"`
	ElementID           string         `json:"elementId,omitempty"`
	Assignee            string         `json:"assignee,omitempty"`
	DueDate             string         `json:"dueDate,omitempty"`
	FollowUpDate        string         `json:"followUpDate,omitempty"`
	CandidateUsersList  []string       `json:"candidateUsersList,omitempty"`
	CandidateGroupsList []string       `json:"candidateGroupsList,omitempty"`
	Priority            int            `json:"priority"`
	TaskListeners       []TaskListener `json:"taskListeners,omitempty"`
	Variables           map[string]any `json:"variables,omitempty"`
	Action              string         `json:"action,omitempty"`
	ChangedAttributes   []string       `json:"changedAttributes,omitempty"`
	// Corrections and CorrectedAttributes are set on COMPLETE_TASK_LISTENER
	// commands and CORRECTED events.
	Corrections         Corrections `json:"corrections,omitempty"`
	CorrectedAttributes []string    `json:"correctedAttributes,omitempty"`
	// ListenerJobKey names the listener job on COMPLETE_TASK_LISTENER and
	// DENY_TASK_LISTENER.
	ListenerJobKey int64 `json:"listenerJobKey,omitempty"`
}

func (UserTaskRecord) ValueType() ValueType { return ValueUserTask }

// ListenersFor returns the listeners registered for eventType in order.
func (u UserTaskRecord) ListenersFor(eventType ListenerEventType) []TaskListener {
	var out []TaskListener
	for _, l := range u.TaskListeners {
		if l.EventType == eventType {
			out = append(out, l)
		}
	}
	return out
}

// Clone returns a deep copy.
func (u UserTaskRecord) Clone() UserTaskRecord {
	out := u
	out.CandidateUsersList = slices.Clone(u.CandidateUsersList)
	out.CandidateGroupsList = slices.Clone(u.CandidateGroupsList)
	out.TaskListeners = slices.Clone(u.TaskListeners)
	out.Variables = maps.Clone(u.Variables)
	out.ChangedAttributes = slices.Clone(u.ChangedAttributes)
	out.Corrections = u.Corrections.Clone()
	out.CorrectedAttributes = slices.Clone(u.CorrectedAttributes)
	return out
}

// Correctable extracts the correctable attributes of the task.
func (u UserTaskRecord) Correctable() Corrections {
	return Corrections{
		Assignee:            u.Assignee,
		DueDate:             u.DueDate,
		FollowUpDate:        u.FollowUpDate,
		CandidateUsersList:  slices.Clone(u.CandidateUsersList),
		CandidateGroupsList: slices.Clone(u.CandidateGroupsList),
		Priority:            u.Priority,
	}
}

// Apply overwrites only the attributes named in attributes with the values
// of c; every other attribute keeps its value.
func (u UserTaskRecord) Apply(c Corrections, attributes []string) UserTaskRecord {
	out := u.Clone()
	for _, attr := range attributes {
		switch attr {
		case AttrAssignee:
			out.Assignee = c.Assignee
		case AttrDueDate:
			out.DueDate = c.DueDate
		case AttrFollowUpDate:
			out.FollowUpDate = c.FollowUpDate
		case AttrCandidateUsers:
			out.CandidateUsersList = slices.Clone(c.CandidateUsersList)
		case AttrCandidateGroups:
			out.CandidateGroupsList = slices.Clone(c.CandidateGroupsList)
		case AttrPriority:
			out.Priority = c.Priority
		}
	}
	return out
}

// Corrections is the partial attribute set a listener returns. Only the
// attributes listed next to it in correctedAttributes are meaningful.
type Corrections struct {
	Assignee            string   `json:"assignee,omitempty"`
	DueDate             string   `json:"dueDate,omitempty"`
	FollowUpDate        string   `json:"followUpDate,omitempty"`
	CandidateUsersList  []string `json:"candidateUsersList,omitempty"`
	CandidateGroupsList []string `json:"candidateGroupsList,omitempty"`
	Priority            int      `json:"priority,omitempty"`
}

func (c Corrections) Clone() Corrections {
	out := c
	out.CandidateUsersList = slices.Clone(c.CandidateUsersList)
	out.CandidateGroupsList = slices.Clone(c.CandidateGroupsList)
	return out
}
