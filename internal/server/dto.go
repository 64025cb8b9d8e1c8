package server

import (
	"flowkernel/internal/record"
	"flowkernel/internal/repo"
	"flowkernel/internal/state"
)

type CreateUserRequest struct {
	Username string `json:"username" minLength:"1"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
}

type CreateGroupRequest struct {
	GroupID string `json:"groupId" minLength:"1"`
	Name    string `json:"name,omitempty"`
}

type PermissionRequest struct {
	PermissionType record.PermissionType `json:"permissionType"`
	ResourceIDs    []string              `json:"resourceIds"`
}

// AuthorizationRequest addresses a single resource id; CREATE and UPDATE use
// it.
type AuthorizationRequest struct {
	OwnerKey     int64                   `json:"ownerKey"`
	ResourceType record.ResourceType     `json:"resourceType"`
	ResourceID   string                  `json:"resourceId"`
	Permissions  []record.PermissionType `json:"permissions"`
}

type PermissionsRequest struct {
	ResourceType record.ResourceType `json:"resourceType"`
	Permissions  []PermissionRequest `json:"permissions"`
}

type TaskListenerRequest struct {
	EventType record.ListenerEventType `json:"eventType"`
	Type      string                   `json:"type"`
	Retries   int                      `json:"retries,omitempty"`
}

type CreateUserTaskRequest struct {
	BpmnProcessID   string                `json:"bpmnProcessId" minLength:"1"`
	ElementID       string                `json:"elementId,omitempty"`
	Assignee        string                `json:"assignee,omitempty"`
	DueDate         string                `json:"dueDate,omitempty"`
	FollowUpDate    string                `json:"followUpDate,omitempty"`
	CandidateUsers  []string              `json:"candidateUsersList,omitempty"`
	CandidateGroups []string              `json:"candidateGroupsList,omitempty"`
	Priority        *int                  `json:"priority,omitempty"`
	TaskListeners   []TaskListenerRequest `json:"taskListeners,omitempty"`
}

type AssignUserTaskRequest struct {
	Assignee string `json:"assignee,omitempty"`
	Action   string `json:"action,omitempty"`
}

type UpdateUserTaskRequest struct {
	record.Corrections
	ChangedAttributes []string `json:"changedAttributes"`
	Action            string   `json:"action,omitempty"`
}

type CompleteUserTaskRequest struct {
	Variables map[string]any `json:"variables,omitempty"`
	Action    string         `json:"action,omitempty"`
}

type CancelUserTaskRequest struct {
	Action string `json:"action,omitempty"`
}

type CreateJobRequest struct {
	Type          string         `json:"type" minLength:"1"`
	Retries       int            `json:"retries"`
	BpmnProcessID string         `json:"bpmnProcessId,omitempty"`
	ElementID     string         `json:"elementId,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

type ActivateJobsRequest struct {
	Type              string `json:"type" minLength:"1"`
	Worker            string `json:"worker,omitempty"`
	Timeout           int64  `json:"timeout" doc:"Activation timeout in milliseconds"`
	MaxJobsToActivate int    `json:"maxJobsToActivate"`
	// RequestTimeout long-polls for up to this many milliseconds when no job
	// is activatable.
	RequestTimeout int64 `json:"requestTimeout,omitempty"`
}

type JobResultRequest struct {
	Denied              bool               `json:"denied,omitempty"`
	Corrections         record.Corrections `json:"corrections,omitempty"`
	CorrectedAttributes []string           `json:"correctedAttributes,omitempty"`
}

type CompleteJobRequest struct {
	Variables map[string]any   `json:"variables,omitempty"`
	Result    JobResultRequest `json:"result,omitempty"`
}

type FailJobRequest struct {
	Retries      int    `json:"retries"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type UpdateRetriesRequest struct {
	Retries int `json:"retries"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	Username string `json:"username" minLength:"1"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// RecordResponse is the wire form of a committed record.
type RecordResponse struct {
	Position        int64  `json:"position"`
	SourcePosition  int64  `json:"sourceRecordPosition,omitempty"`
	Key             int64  `json:"key"`
	Timestamp       int64  `json:"timestamp"`
	RecordType      string `json:"recordType"`
	ValueType       string `json:"valueType"`
	Intent          string `json:"intent"`
	RejectionType   string `json:"rejectionType,omitempty"`
	RejectionReason string `json:"rejectionReason,omitempty"`
	RequestID       string `json:"requestId,omitempty"`
	Principal       string `json:"principal,omitempty"`
	Internal        bool   `json:"internal,omitempty"`
	Value           any    `json:"value"`
}

type UserResponse struct {
	UserKey  int64  `json:"userKey"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
}

type GroupResponse struct {
	GroupKey int64   `json:"groupKey"`
	GroupID  string  `json:"groupId"`
	Name     string  `json:"name,omitempty"`
	Members  []int64 `json:"members"`
}

type UserTaskResponse struct {
	record.UserTaskRecord
	State             record.UserTaskState     `json:"state"`
	ListenerEventType record.ListenerEventType `json:"listenerEventType,omitempty"`
	ListenerJobKey    int64                    `json:"listenerJobKey,omitempty"`
}

type JobResponse struct {
	record.JobRecord
	JobKey int64           `json:"jobKey"`
	State  record.JobState `json:"state"`
}

type IncidentResponse struct {
	record.IncidentRecord
	IncidentKey int64 `json:"incidentKey"`
}

type MeResponse struct {
	Username string   `json:"username"`
	Source   string   `json:"source"`
	UserKey  int64    `json:"userKey,omitempty"`
	Groups   []string `json:"groups"`
	// Permissions maps resource type to permission type to resource ids.
	Permissions map[string]map[string][]string `json:"permissions"`
}

type StatusResponse struct {
	PartitionID    int            `json:"partitionId"`
	LastPosition   int64          `json:"lastPosition"`
	ProcessedUntil int64          `json:"processedUntil"`
	RecordCounts   map[string]int `json:"recordCounts"`
	UserTasks      int            `json:"userTasks"`
	Jobs           int            `json:"jobs"`
	Incidents      int            `json:"incidents"`
}

type paginatedRecords struct {
	Items      []RecordResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// CreatedAPIKey carries the plain key; it is shown once.
type CreatedAPIKey struct {
	repo.APIKey
	Key string `json:"key"`
}

func recordResponse(rec record.Record) RecordResponse {
	return RecordResponse{
		Position:        rec.Position,
		SourcePosition:  rec.SourcePosition,
		Key:             rec.Key,
		Timestamp:       rec.Timestamp,
		RecordType:      string(rec.RecordType),
		ValueType:       string(rec.ValueType),
		Intent:          string(rec.Intent),
		RejectionType:   string(rec.RejectionType),
		RejectionReason: rec.RejectionReason,
		RequestID:       rec.RequestID,
		Principal:       rec.Principal,
		Internal:        rec.Internal,
		Value:           rec.Value,
	}
}

func userResponse(u record.UserRecord) UserResponse {
	return UserResponse{UserKey: u.UserKey, Username: u.Username, Name: u.Name, Email: u.Email}
}

func groupResponse(g state.Group) GroupResponse {
	return GroupResponse{GroupKey: g.GroupKey, GroupID: g.GroupID, Name: g.Name, Members: nonNilSlice(g.Members)}
}

func userTaskResponse(t state.UserTask) UserTaskResponse {
	return UserTaskResponse{
		UserTaskRecord:    t.UserTaskRecord,
		State:             t.State,
		ListenerEventType: t.ListenerEventType,
		ListenerJobKey:    t.ListenerJobKey,
	}
}

func jobResponse(j state.Job) JobResponse {
	return JobResponse{JobRecord: j.JobRecord, JobKey: j.Key, State: j.State}
}

func incidentResponse(i state.Incident) IncidentResponse {
	return IncidentResponse{IncidentRecord: i.IncidentRecord, IncidentKey: i.Key}
}

func (r CreateUserTaskRequest) value() record.UserTaskRecord {
	priority := record.DefaultPriority
	if r.Priority != nil {
		priority = *r.Priority
	}
	listeners := make([]record.TaskListener, 0, len(r.TaskListeners))
	for _, l := range r.TaskListeners {
		listeners = append(listeners, record.TaskListener{EventType: l.EventType, Type: l.Type, Retries: l.Retries})
	}
	return record.UserTaskRecord{
		BpmnProcessID:       r.BpmnProcessID,
		ElementID:           r.ElementID,
		Assignee:            r.Assignee,
		DueDate:             r.DueDate,
		FollowUpDate:        r.FollowUpDate,
		CandidateUsersList:  r.CandidateUsers,
		CandidateGroupsList: r.CandidateGroups,
		Priority:            priority,
		TaskListeners:       listeners,
	}
}

func (r UpdateUserTaskRequest) value() record.UserTaskRecord {
	return record.UserTaskRecord{
		Assignee:            r.Assignee,
		DueDate:             r.DueDate,
		FollowUpDate:        r.FollowUpDate,
		CandidateUsersList:  r.CandidateUsersList,
		CandidateGroupsList: r.CandidateGroupsList,
		Priority:            r.Priority,
		ChangedAttributes:   r.ChangedAttributes,
		Action:              r.Action,
	}
}

func permissionValues(in []PermissionRequest) []record.PermissionValue {
	out := make([]record.PermissionValue, 0, len(in))
	for _, p := range in {
		out = append(out, record.PermissionValue{PermissionType: p.PermissionType, ResourceIDs: p.ResourceIDs})
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
