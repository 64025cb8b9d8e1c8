// Package record defines the typed envelope shared by commands, events and
// rejections, and the value payloads carried by each value type.
package record

import (
	"encoding/json"
	"fmt"
)

type RecordType string

const (
	TypeCommand          RecordType = "COMMAND"
	TypeEvent            RecordType = "EVENT"
	TypeCommandRejection RecordType = "COMMAND_REJECTION"
)

type ValueType string

const (
	ValueAuthorization ValueType = "AUTHORIZATION"
	ValueUser          ValueType = "USER"
	ValueGroup         ValueType = "GROUP"
	ValueUserTask      ValueType = "USER_TASK"
	ValueJob           ValueType = "JOB"
	ValueJobBatch      ValueType = "JOB_BATCH"
	ValueIncident      ValueType = "INCIDENT"
)

// Intent names the command or event within a value type. Command intents are
// imperative (CREATE), event intents past tense (CREATED).
type Intent string

const (
	IntentCreate            Intent = "CREATE"
	IntentCreating          Intent = "CREATING"
	IntentCreated           Intent = "CREATED"
	IntentUpdate            Intent = "UPDATE"
	IntentUpdated           Intent = "UPDATED"
	IntentDelete            Intent = "DELETE"
	IntentDeleted           Intent = "DELETED"
	IntentAddPermission     Intent = "ADD_PERMISSION"
	IntentPermissionAdded   Intent = "PERMISSION_ADDED"
	IntentRemovePermission  Intent = "REMOVE_PERMISSION"
	IntentPermissionRemoved Intent = "PERMISSION_REMOVED"

	IntentAddEntity     Intent = "ADD_ENTITY"
	IntentEntityAdded   Intent = "ENTITY_ADDED"
	IntentRemoveEntity  Intent = "REMOVE_ENTITY"
	IntentEntityRemoved Intent = "ENTITY_REMOVED"

	IntentAssign                Intent = "ASSIGN"
	IntentClaim                 Intent = "CLAIM"
	IntentAssigning             Intent = "ASSIGNING"
	IntentAssigned              Intent = "ASSIGNED"
	IntentAssignmentDenied      Intent = "ASSIGNMENT_DENIED"
	IntentComplete              Intent = "COMPLETE"
	IntentCompleting            Intent = "COMPLETING"
	IntentCompleted             Intent = "COMPLETED"
	IntentCompletionDenied      Intent = "COMPLETION_DENIED"
	IntentCancel                Intent = "CANCEL"
	IntentCanceling             Intent = "CANCELING"
	IntentCanceled              Intent = "CANCELED"
	IntentCorrected             Intent = "CORRECTED"
	IntentCompleteTaskListener  Intent = "COMPLETE_TASK_LISTENER"
	IntentTaskListenerCompleted Intent = "TASK_LISTENER_COMPLETED"
	IntentDenyTaskListener      Intent = "DENY_TASK_LISTENER"

	IntentFail           Intent = "FAIL"
	IntentFailed         Intent = "FAILED"
	IntentUpdateRetries  Intent = "UPDATE_RETRIES"
	IntentRetriesUpdated Intent = "RETRIES_UPDATED"
	IntentTimeOut        Intent = "TIME_OUT"
	IntentTimedOut       Intent = "TIMED_OUT"
	IntentActivate       Intent = "ACTIVATE"
	IntentActivated      Intent = "ACTIVATED"

	IntentResolve  Intent = "RESOLVE"
	IntentResolved Intent = "RESOLVED"
)

// Value is the payload of a record.
type Value interface {
	ValueType() ValueType
}

// Record is the immutable envelope of every command, event and rejection
// written to a partition's log. Position and Timestamp are assigned by the
// log on append; SourcePosition links events and rejections to the command
// that produced them.
type Record struct {
	Position        int64         `json:"position"`
	SourcePosition  int64         `json:"sourceRecordPosition,omitempty"`
	Key             int64         `json:"key"`
	Timestamp       int64         `json:"timestamp"`
	RecordType      RecordType    `json:"recordType"`
	ValueType       ValueType     `json:"valueType"`
	Intent          Intent        `json:"intent"`
	RejectionType   RejectionType `json:"rejectionType,omitempty"`
	RejectionReason string        `json:"rejectionReason,omitempty"`
	RequestID       string        `json:"requestId,omitempty"`
	Principal       string        `json:"principal,omitempty"`
	Internal        bool          `json:"internal,omitempty"`
	Value           Value         `json:"value"`
}

// NewCommand builds a client command. Key is -1 for commands that create a
// new entity.
func NewCommand(intent Intent, key int64, value Value) Record {
	return Record{
		Key:        key,
		RecordType: TypeCommand,
		ValueType:  value.ValueType(),
		Intent:     intent,
		Value:      value,
	}
}

// NewInternalCommand builds a command issued by the kernel itself. Internal
// commands bypass authorization checks.
func NewInternalCommand(intent Intent, key int64, value Value) Record {
	cmd := NewCommand(intent, key, value)
	cmd.Internal = true
	return cmd
}

// IsCommand reports whether the record still needs processing.
func (r Record) IsCommand() bool { return r.RecordType == TypeCommand }

// Event derives an event from this command, keeping request metadata.
func (r Record) Event(intent Intent, key int64, value Value) Record {
	return Record{
		SourcePosition: r.Position,
		Key:            key,
		Timestamp:      r.Timestamp,
		RecordType:     TypeEvent,
		ValueType:      value.ValueType(),
		Intent:         intent,
		RequestID:      r.RequestID,
		Principal:      r.Principal,
		Value:          value,
	}
}

// Rejected derives the rejection record of this command.
func (r Record) Rejected(rej *Rejection) Record {
	return Record{
		SourcePosition:  r.Position,
		Key:             r.Key,
		Timestamp:       r.Timestamp,
		RecordType:      TypeCommandRejection,
		ValueType:       r.ValueType,
		Intent:          r.Intent,
		RejectionType:   rej.Type,
		RejectionReason: rej.Reason,
		RequestID:       r.RequestID,
		Principal:       r.Principal,
		Value:           r.Value,
	}
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s.%s key=%d position=%d", r.RecordType, r.ValueType, r.Intent, r.Key, r.Position)
}

type recordJSON struct {
	Position        int64           `json:"position"`
	SourcePosition  int64           `json:"sourceRecordPosition,omitempty"`
	Key             int64           `json:"key"`
	Timestamp       int64           `json:"timestamp"`
	RecordType      RecordType      `json:"recordType"`
	ValueType       ValueType       `json:"valueType"`
	Intent          Intent          `json:"intent"`
	RejectionType   RejectionType   `json:"rejectionType,omitempty"`
	RejectionReason string          `json:"rejectionReason,omitempty"`
	RequestID       string          `json:"requestId,omitempty"`
	Principal       string          `json:"principal,omitempty"`
	Internal        bool            `json:"internal,omitempty"`
	Value           json.RawMessage `json:"value"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	value, err := json.Marshal(r.Value)
	if err != nil {
		return nil, fmt.Errorf("marshal %s value: %w", r.ValueType, err)
	}
	return json.Marshal(recordJSON{
		Position:        r.Position,
		SourcePosition:  r.SourcePosition,
		Key:             r.Key,
		Timestamp:       r.Timestamp,
		RecordType:      r.RecordType,
		ValueType:       r.ValueType,
		Intent:          r.Intent,
		RejectionType:   r.RejectionType,
		RejectionReason: r.RejectionReason,
		RequestID:       r.RequestID,
		Principal:       r.Principal,
		Internal:        r.Internal,
		Value:           value,
	})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	value, err := decodeValue(raw.ValueType, raw.Value)
	if err != nil {
		return err
	}
	*r = Record{
		Position:        raw.Position,
		SourcePosition:  raw.SourcePosition,
		Key:             raw.Key,
		Timestamp:       raw.Timestamp,
		RecordType:      raw.RecordType,
		ValueType:       raw.ValueType,
		Intent:          raw.Intent,
		RejectionType:   raw.RejectionType,
		RejectionReason: raw.RejectionReason,
		RequestID:       raw.RequestID,
		Principal:       raw.Principal,
		Internal:        raw.Internal,
		Value:           value,
	}
	return nil
}

func decodeValue(vt ValueType, data json.RawMessage) (Value, error) {
	switch vt {
	case ValueAuthorization:
		return decodeAs[AuthorizationRecord](data)
	case ValueUser:
		return decodeAs[UserRecord](data)
	case ValueGroup:
		return decodeAs[GroupRecord](data)
	case ValueUserTask:
		return decodeAs[UserTaskRecord](data)
	case ValueJob:
		return decodeAs[JobRecord](data)
	case ValueJobBatch:
		return decodeAs[JobBatchRecord](data)
	case ValueIncident:
		return decodeAs[IncidentRecord](data)
	default:
		return nil, fmt.Errorf("unknown value type %q", vt)
	}
}

func decodeAs[T Value](data json.RawMessage) (Value, error) {
	var v T
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %T: %w", v, err)
		}
	}
	return v, nil
}
