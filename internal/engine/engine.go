// Package engine is the command processor of a partition. It validates each
// command against the current state, writes the resulting events (applying
// each to the state as it is written) or exactly one rejection, and collects
// follow-up commands and client responses.
package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"flowkernel/internal/engine/auth"
	"flowkernel/internal/record"
	"flowkernel/internal/state"
)

// DefaultListenerRetries is used for task listeners registered without an
// explicit retry budget.
const DefaultListenerRetries = 3

type Options struct {
	AuthorizationsEnabled bool
	ListenerRetries       int
	Logger                *slog.Logger
}

type Engine struct {
	State       *state.State
	Auth        auth.Checker
	Permissions auth.Permissions
	Options     Options
}

func New(st *state.State, opts Options) *Engine {
	return &Engine{
		State:       st,
		Auth:        auth.Checker{Authorizations: st.Authorizations, Owners: st.Identities, Enabled: opts.AuthorizationsEnabled},
		Permissions: auth.Permissions{Authorizations: st.Authorizations, Owners: st.Identities},
		Options:     opts,
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Options.Logger != nil {
		return e.Options.Logger
	}
	return slog.Default()
}

func (e *Engine) listenerRetries() int {
	if e.Options.ListenerRetries > 0 {
		return e.Options.ListenerRetries
	}
	return DefaultListenerRetries
}

// Response is delivered to the client waiting on RequestID. It is not part
// of the log.
type Response struct {
	RequestID string
	Record    record.Record
}

// Result is the outcome of one command: one or more events, or exactly one
// rejection.
type Result struct {
	Records   []record.Record
	FollowUps []record.Record
	Responses []Response
	// JobsAvailable lists job types that gained an activatable job.
	JobsAvailable []string
}

// Rejection returns the rejection when the command was rejected.
func (r Result) Rejection() (record.Record, bool) {
	if len(r.Records) == 1 && r.Records[0].RecordType == record.TypeCommandRejection {
		return r.Records[0], true
	}
	return record.Record{}, false
}

// ErrNotACommand is returned when Process is handed an event or rejection.
var ErrNotACommand = errors.New("record is not a command")

type handler func(w *writer, cmd record.Record) error

// Process runs cmd against the current state. A *record.Rejection returned by
// a handler becomes the rejection record; any other error is an internal
// fault and the result must be discarded.
func (e *Engine) Process(cmd record.Record) (Result, error) {
	if !cmd.IsCommand() {
		return Result{}, fmt.Errorf("%s: %w", cmd, ErrNotACommand)
	}
	w := &writer{cmd: cmd, state: e.State, responded: map[string]bool{}}
	h := e.handler(cmd.ValueType, cmd.Intent)
	if h == nil || (internalOnly(cmd.ValueType, cmd.Intent) && !cmd.Internal) {
		w.reject(record.Reject(record.RejectInvalidArgument,
			"Expected to process command, but no processor exists for value type '%s' and intent '%s'", cmd.ValueType, cmd.Intent))
		return w.result, nil
	}
	if err := h(w, cmd); err != nil {
		rej, ok := record.AsRejection(err)
		if !ok {
			return Result{}, fmt.Errorf("process %s: %w", cmd, err)
		}
		if len(w.result.Records) > 0 {
			return Result{}, fmt.Errorf("process %s: rejected after writing events: %w", cmd, err)
		}
		w.reject(rej)
		return w.result, nil
	}
	w.finish()
	return w.result, nil
}

// internalOnly reports intents that only the kernel itself may issue as
// follow-ups or scheduled commands.
func internalOnly(vt record.ValueType, intent record.Intent) bool {
	switch vt {
	case record.ValueUserTask:
		return intent == record.IntentCompleteTaskListener || intent == record.IntentDenyTaskListener
	case record.ValueJob:
		return intent == record.IntentTimeOut
	}
	return false
}

func (e *Engine) handler(vt record.ValueType, intent record.Intent) handler {
	switch vt {
	case record.ValueAuthorization:
		switch intent {
		case record.IntentCreate:
			return e.createAuthorization
		case record.IntentUpdate:
			return e.updateAuthorization
		case record.IntentDelete:
			return e.deleteAuthorization
		case record.IntentAddPermission:
			return e.addPermission
		case record.IntentRemovePermission:
			return e.removePermission
		}
	case record.ValueUser:
		switch intent {
		case record.IntentCreate:
			return e.createUser
		case record.IntentDelete:
			return e.deleteUser
		}
	case record.ValueGroup:
		switch intent {
		case record.IntentCreate:
			return e.createGroup
		case record.IntentAddEntity:
			return e.addGroupEntity
		case record.IntentRemoveEntity:
			return e.removeGroupEntity
		case record.IntentDelete:
			return e.deleteGroup
		}
	case record.ValueUserTask:
		switch intent {
		case record.IntentCreate:
			return e.createUserTask
		case record.IntentAssign, record.IntentClaim:
			return e.assignUserTask
		case record.IntentUpdate:
			return e.updateUserTask
		case record.IntentComplete:
			return e.completeUserTask
		case record.IntentCancel:
			return e.cancelUserTask
		case record.IntentCompleteTaskListener:
			return e.completeTaskListener
		case record.IntentDenyTaskListener:
			return e.denyTaskListener
		}
	case record.ValueJob:
		switch intent {
		case record.IntentCreate:
			return e.createJob
		case record.IntentComplete:
			return e.completeJob
		case record.IntentFail:
			return e.failJob
		case record.IntentUpdateRetries:
			return e.updateJobRetries
		case record.IntentTimeOut:
			return e.timeOutJob
		}
	case record.ValueJobBatch:
		if intent == record.IntentActivate {
			return e.activateJobs
		}
	case record.ValueIncident:
		if intent == record.IntentResolve {
			return e.resolveIncident
		}
	}
	return nil
}

// authorize gates cmd behind the permission it requires.
func (e *Engine) authorize(cmd record.Record, rt record.ResourceType, pt record.PermissionType, resourceID string) error {
	return e.Auth.IsAuthorized(auth.Request{
		Principal:      cmd.Principal,
		Internal:       cmd.Internal,
		ResourceType:   rt,
		PermissionType: pt,
		ResourceID:     resourceID,
	})
}

// writer accumulates the result of one command. Every event is applied to
// the state the moment it is written so later events of the same command
// observe it.
type writer struct {
	cmd       record.Record
	state     *state.State
	result    Result
	deferred  bool
	responded map[string]bool
}

func (w *writer) event(intent record.Intent, key int64, value record.Value) (record.Record, error) {
	evt := w.cmd.Event(intent, key, value)
	if err := Apply(w.state, evt); err != nil {
		return record.Record{}, err
	}
	w.result.Records = append(w.result.Records, evt)
	return evt, nil
}

func (w *writer) reject(rej *record.Rejection) {
	rejection := w.cmd.Rejected(rej)
	w.result.Records = []record.Record{rejection}
	w.respond(w.cmd.RequestID, rejection)
}

func (w *writer) followUp(cmd record.Record) {
	w.result.FollowUps = append(w.result.FollowUps, cmd)
}

func (w *writer) respond(requestID string, rec record.Record) {
	if requestID == "" || w.responded[requestID] {
		return
	}
	w.responded[requestID] = true
	w.result.Responses = append(w.result.Responses, Response{RequestID: requestID, Record: rec})
}

// deferResponse marks the command as answered later, once a gated transition
// finishes.
func (w *writer) deferResponse() { w.deferred = true }

func (w *writer) jobAvailable(jobType string) {
	w.result.JobsAvailable = append(w.result.JobsAvailable, jobType)
}

func (w *writer) finish() {
	if w.deferred || len(w.result.Records) == 0 {
		return
	}
	w.respond(w.cmd.RequestID, w.result.Records[len(w.result.Records)-1])
}

func valueOf[T record.Value](cmd record.Record) (T, error) {
	v, ok := cmd.Value.(T)
	if !ok {
		var zero T
		return zero, record.Reject(record.RejectInvalidArgument,
			"Expected command value of type '%s', but got %T", cmd.ValueType, cmd.Value)
	}
	return v, nil
}
