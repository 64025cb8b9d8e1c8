package engine_test

import (
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"flowkernel/internal/engine"
	"flowkernel/internal/record"
	"flowkernel/internal/state"
)

const admin = "admin"

// harness plays the partition's role: it assigns positions and timestamps,
// drains follow-up commands in log order and collects client responses.
type harness struct {
	t         *testing.T
	state     *state.State
	engine    *engine.Engine
	log       []record.Record
	responses map[string]record.Record
	now       int64
	requests  int
}

func newHarness(t *testing.T, authorizations bool) *harness {
	t.Helper()
	st := state.New(1)
	h := &harness{
		t:         t,
		state:     st,
		engine:    engine.New(st, engine.Options{AuthorizationsEnabled: authorizations}),
		responses: map[string]record.Record{},
		now:       1_700_000_000_000,
	}
	if authorizations {
		adminKey := h.submit(record.NewInternalCommand(record.IntentCreate, -1, record.UserRecord{Username: admin})).Records[0].Key
		for _, rt := range record.ResourceTypes() {
			var perms []record.PermissionValue
			for _, pt := range rt.SupportedPermissionTypes() {
				perms = append(perms, record.PermissionValue{PermissionType: pt, ResourceIDs: []string{record.WildcardResourceID}})
			}
			h.submit(record.NewInternalCommand(record.IntentAddPermission, adminKey, record.AuthorizationRecord{
				OwnerKey:     adminKey,
				ResourceType: rt,
				Permissions:  perms,
			}))
		}
	}
	return h
}

// submit appends cmd and processes it together with every follow-up it
// causes. It returns the result of cmd itself.
func (h *harness) submit(cmd record.Record) engine.Result {
	h.t.Helper()
	first, err := h.process(cmd)
	require.NoError(h.t, err)
	queue := append([]record.Record(nil), first.FollowUps...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		res, err := h.process(next)
		require.NoError(h.t, err)
		queue = append(queue, res.FollowUps...)
	}
	return first
}

func (h *harness) process(cmd record.Record) (engine.Result, error) {
	h.now++
	cmd.Position = int64(len(h.log) + 1)
	cmd.Timestamp = h.now
	h.log = append(h.log, cmd)
	res, err := h.engine.Process(cmd)
	if err != nil {
		return res, err
	}
	for _, rec := range res.Records {
		rec.Position = int64(len(h.log) + 1)
		h.log = append(h.log, rec)
	}
	for _, resp := range res.Responses {
		h.responses[resp.RequestID] = resp.Record
	}
	return res, nil
}

// request submits cmd as a client request on behalf of principal and returns
// its request id.
func (h *harness) request(principal string, cmd record.Record) string {
	h.t.Helper()
	h.requests++
	cmd.RequestID = fmt.Sprintf("req-%d", h.requests)
	cmd.Principal = principal
	h.submit(cmd)
	return cmd.RequestID
}

// call submits cmd and requires an immediate response.
func (h *harness) call(principal string, cmd record.Record) record.Record {
	h.t.Helper()
	id := h.request(principal, cmd)
	resp, ok := h.responses[id]
	require.True(h.t, ok, "no response for %s", cmd)
	return resp
}

func (h *harness) accepted(principal string, cmd record.Record) record.Record {
	h.t.Helper()
	resp := h.call(principal, cmd)
	require.Equal(h.t, record.TypeEvent, resp.RecordType, "%s rejected: %s %s", cmd, resp.RejectionType, resp.RejectionReason)
	return resp
}

func (h *harness) rejected(principal string, cmd record.Record, want record.RejectionType) record.Record {
	h.t.Helper()
	resp := h.call(principal, cmd)
	require.Equal(h.t, record.TypeCommandRejection, resp.RecordType, "%s accepted", cmd)
	require.Equal(h.t, want, resp.RejectionType, resp.RejectionReason)
	return resp
}

func (h *harness) createUserTask(listeners ...record.TaskListener) int64 {
	h.t.Helper()
	resp := h.accepted(admin, record.NewCommand(record.IntentCreate, -1, record.UserTaskRecord{
		BpmnProcessID:      "order",
		ElementID:          "review",
		Priority:           record.DefaultPriority,
		DueDate:            "2024-01-10T00:00:00Z",
		CandidateUsersList: []string{"alice"},
		TaskListeners:      listeners,
	}))
	require.Equal(h.t, record.IntentCreated, resp.Intent)
	return resp.Key
}

func (h *harness) task(key int64) state.UserTask {
	h.t.Helper()
	task, ok := h.state.UserTasks.Get(key)
	require.True(h.t, ok)
	return task
}

func (h *harness) job(key int64) state.Job {
	h.t.Helper()
	job, ok := h.state.Jobs.Get(key)
	require.True(h.t, ok)
	return job
}

// activate activates jobs of jobType and returns their keys.
func (h *harness) activate(jobType string) []int64 {
	h.t.Helper()
	resp := h.accepted(admin, record.NewCommand(record.IntentActivate, -1, record.JobBatchRecord{
		Type:              jobType,
		Worker:            "worker-1",
		Timeout:           30_000,
		MaxJobsToActivate: 10,
	}))
	return resp.Value.(record.JobBatchRecord).JobKeys
}

func (h *harness) activateOne(jobType string) int64 {
	h.t.Helper()
	keys := h.activate(jobType)
	require.Len(h.t, keys, 1)
	return keys[0]
}

func (h *harness) completeJob(key int64, value record.JobRecord) record.Record {
	h.t.Helper()
	return h.call(admin, record.NewCommand(record.IntentComplete, key, value))
}

// intents lists the records of the log matching valueType, in order, as
// "TYPE:INTENT" strings.
func (h *harness) intents(valueType record.ValueType) []string {
	var out []string
	for _, rec := range h.log {
		if rec.ValueType == valueType {
			out = append(out, fmt.Sprintf("%s:%s", rec.RecordType, rec.Intent))
		}
	}
	return out
}

func (h *harness) count(valueType record.ValueType, recordType record.RecordType, intent record.Intent) int {
	n := 0
	for _, rec := range h.log {
		if rec.ValueType == valueType && rec.RecordType == recordType && rec.Intent == intent {
			n++
		}
	}
	return n
}

func itoa(key int64) string { return strconv.FormatInt(key, 10) }
