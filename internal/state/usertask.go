package state

import (
	"maps"
	"slices"

	"flowkernel/internal/record"
)

// UserTask is the stored user task: the last accepted attributes plus the
// bookkeeping of an in-flight gated transition. PendingListeners holds the
// listeners still to run for ListenerEventType, head first; ListenerJobKey
// is the job created for the head.
type UserTask struct {
	record.UserTaskRecord
	State             record.UserTaskState     `json:"state"`
	ListenerEventType record.ListenerEventType `json:"listenerEventType,omitempty"`
	PendingListeners  []record.TaskListener    `json:"pendingListeners,omitempty"`
	ListenerJobKey    int64                    `json:"listenerJobKey,omitempty"`
	PendingRequestID  string                   `json:"-"`
	PendingAction     string                   `json:"-"`
	PendingVariables  map[string]any           `json:"-"`
	PreTransition     record.Corrections       `json:"-"`
	PriorState        record.UserTaskState     `json:"-"`
}

func (t UserTask) Clone() UserTask {
	out := t
	out.UserTaskRecord = t.UserTaskRecord.Clone()
	out.PendingListeners = slices.Clone(t.PendingListeners)
	out.PendingVariables = maps.Clone(t.PendingVariables)
	out.PreTransition = t.PreTransition.Clone()
	return out
}

// ClearTransition drops the bookkeeping of a finished gated transition.
func (t *UserTask) ClearTransition() {
	t.ListenerEventType = ""
	t.PendingListeners = nil
	t.ListenerJobKey = 0
	t.PendingRequestID = ""
	t.PendingAction = ""
	t.PendingVariables = nil
	t.PreTransition = record.Corrections{}
	t.PriorState = ""
}

// InTransition reports whether a gated transition awaits its listeners.
func (t UserTask) InTransition() bool {
	switch t.State {
	case record.UserTaskAssigning, record.UserTaskCompleting, record.UserTaskCanceling:
		return true
	}
	return false
}

type UserTaskStore struct {
	tasks map[int64]UserTask
}

func NewUserTaskStore() *UserTaskStore {
	return &UserTaskStore{tasks: map[int64]UserTask{}}
}

func (s *UserTaskStore) Get(key int64) (UserTask, bool) {
	t, ok := s.tasks[key]
	if !ok {
		return UserTask{}, false
	}
	return t.Clone(), true
}

func (s *UserTaskStore) Put(t UserTask) {
	s.tasks[t.UserTaskKey] = t.Clone()
}

func (s *UserTaskStore) All() []UserTask {
	out := make([]UserTask, 0, len(s.tasks))
	for _, key := range sortedKeys(s.tasks) {
		out = append(out, s.tasks[key].Clone())
	}
	return out
}
