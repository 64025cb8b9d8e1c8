package partition_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowkernel/internal/db"
	"flowkernel/internal/engine"
	"flowkernel/internal/logstream"
	"flowkernel/internal/migrate"
	"flowkernel/internal/notify"
	"flowkernel/internal/partition"
	"flowkernel/internal/record"
	"flowkernel/internal/repo"
	"flowkernel/internal/state"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return conn
}

func open(t *testing.T, conn *sql.DB, opts partition.Options) *partition.Partition {
	t.Helper()
	p, err := partition.Open(context.Background(), conn, opts)
	require.NoError(t, err)
	return p
}

func createTask(t *testing.T, p *partition.Partition, listeners ...record.TaskListener) int64 {
	t.Helper()
	resp, err := p.Execute(context.Background(), withPrincipal(record.NewCommand(record.IntentCreate, -1, record.UserTaskRecord{
		BpmnProcessID: "order",
		ElementID:     "review",
		Priority:      record.DefaultPriority,
		TaskListeners: listeners,
	})))
	require.NoError(t, err)
	require.Equal(t, record.IntentCreated, resp.Intent)
	return resp.Key
}

func withPrincipal(cmd record.Record) record.Record {
	cmd.Principal = "admin"
	return cmd
}

func TestExecuteRespondsWithCommittedEvent(t *testing.T) {
	conn := openDB(t)
	p := open(t, conn, partition.Options{})

	resp, err := p.Execute(context.Background(), withPrincipal(record.NewCommand(record.IntentCreate, -1, record.UserRecord{Username: "alice"})))
	require.NoError(t, err)
	assert.Equal(t, record.TypeEvent, resp.RecordType)
	assert.Equal(t, record.IntentCreated, resp.Intent)
	assert.NotEmpty(t, resp.RequestID)
	require.Positive(t, resp.Position)

	r := repo.Repo{DB: conn}
	stored, err := r.GetRecord(context.Background(), resp.Position)
	require.NoError(t, err)
	assert.Equal(t, resp.Key, stored.Key)
	assert.Equal(t, int64(1), stored.SourcePosition)

	resp, err = p.Execute(context.Background(), withPrincipal(record.NewCommand(record.IntentCreate, -1, record.UserRecord{Username: "alice"})))
	require.NoError(t, err)
	assert.Equal(t, record.TypeCommandRejection, resp.RecordType)
	assert.Equal(t, record.RejectAlreadyExists, resp.RejectionType)
}

func TestExecuteStripsInternalFlag(t *testing.T) {
	conn := openDB(t)
	p := open(t, conn, partition.Options{Engine: engine.Options{AuthorizationsEnabled: true}, Admin: "admin"})

	cmd := record.NewInternalCommand(record.IntentCreate, -1, record.UserRecord{Username: "mallory"})
	cmd.Principal = "nobody"
	resp, err := p.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, record.RejectForbidden, resp.RejectionType)
}

func TestListenerGatedResponseArrivesAfterListener(t *testing.T) {
	conn := openDB(t)
	p := open(t, conn, partition.Options{})
	key := createTask(t, p, record.TaskListener{EventType: record.ListenerCompleting, Type: "audit"})

	done := make(chan record.Record, 1)
	go func() {
		resp, err := p.Execute(context.Background(), withPrincipal(record.NewCommand(record.IntentComplete, key, record.UserTaskRecord{})))
		if err == nil {
			done <- resp
		}
		close(done)
	}()

	require.Eventually(t, func() bool {
		var completing bool
		p.View(func(st *state.State) {
			task, ok := st.UserTasks.Get(key)
			completing = ok && task.State == record.UserTaskCompleting
		})
		return completing
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case <-done:
		t.Fatal("completion answered before the listener ran")
	default:
	}

	batch, err := p.Execute(context.Background(), withPrincipal(record.NewCommand(record.IntentActivate, -1, record.JobBatchRecord{
		Type:              "audit",
		Worker:            "w",
		Timeout:           60_000,
		MaxJobsToActivate: 1,
	})))
	require.NoError(t, err)
	keys := batch.Value.(record.JobBatchRecord).JobKeys
	require.Len(t, keys, 1)

	_, err = p.Execute(context.Background(), withPrincipal(record.NewCommand(record.IntentComplete, keys[0], record.JobRecord{})))
	require.NoError(t, err)

	select {
	case resp, ok := <-done:
		require.True(t, ok)
		assert.Equal(t, record.IntentCompleted, resp.Intent)
		assert.Equal(t, key, resp.Key)
		assert.Positive(t, resp.Position)
	case <-time.After(5 * time.Second):
		t.Fatal("no response for the gated completion")
	}
}

func TestExecuteReturnsPendingWhenCallerGivesUp(t *testing.T) {
	conn := openDB(t)
	p := open(t, conn, partition.Options{})
	key := createTask(t, p, record.TaskListener{EventType: record.ListenerCompleting, Type: "audit"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	cmd := withPrincipal(record.NewCommand(record.IntentComplete, key, record.UserTaskRecord{}))
	cmd.RequestID = "req-slow"
	appended, err := p.Execute(ctx, cmd)
	require.ErrorIs(t, err, partition.ErrResponsePending)
	assert.Contains(t, err.Error(), "req-slow")
	assert.Equal(t, record.TypeCommand, appended.RecordType)

	p.View(func(st *state.State) {
		task, ok := st.UserTasks.Get(key)
		require.True(t, ok)
		assert.Equal(t, record.UserTaskCompleting, task.State, "the command is processed regardless")
	})
}

func TestOpenFinishesCommandsAppendedBeforeCrash(t *testing.T) {
	conn := openDB(t)
	p := open(t, conn, partition.Options{})
	resp, err := p.Execute(context.Background(), withPrincipal(record.NewCommand(record.IntentCreate, -1, record.JobRecord{Type: "ship", Retries: 3, BpmnProcessID: "order"})))
	require.NoError(t, err)
	firstJob := resp.Key

	// An appended command whose outcome never made it to the log.
	w := logstream.Writer{DB: conn}
	_, err = w.Write(context.Background(), withPrincipal(record.NewCommand(record.IntentCreate, -1, record.JobRecord{Type: "ship", Retries: 1, BpmnProcessID: "order"})))
	require.NoError(t, err)

	reopened := open(t, conn, partition.Options{})
	var jobs []state.Job
	reopened.View(func(st *state.State) { jobs = st.Jobs.All() })
	require.Len(t, jobs, 2)
	assert.Equal(t, firstJob, jobs[0].Key)
	assert.Greater(t, jobs[1].Key, firstJob, "keys continue after replay")
	assert.Equal(t, 1, jobs[1].Retries)

	r := repo.Repo{DB: conn}
	last, err := r.LastPosition(context.Background())
	require.NoError(t, err)
	processed, err := r.LastProcessedPosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, last-1, processed, "only the event of the recovered command follows it")

	// Opening again processes nothing new.
	open(t, conn, partition.Options{})
	again, err := r.LastPosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, last, again)
}

func TestAdminBootstrapRunsOnce(t *testing.T) {
	conn := openDB(t)
	opts := partition.Options{Engine: engine.Options{AuthorizationsEnabled: true}, Admin: "root"}
	p := open(t, conn, opts)

	p.View(func(st *state.State) {
		admin, ok := st.Identities.UserByUsername("root")
		require.True(t, ok)
		for _, rt := range record.ResourceTypes() {
			for _, pt := range rt.SupportedPermissionTypes() {
				ids := st.Authorizations.ResourceIDs(record.OwnerUser, admin.Username, rt, pt)
				assert.Contains(t, ids, record.WildcardResourceID, "%s %s", rt, pt)
			}
		}
	})

	resp, err := p.Execute(context.Background(), func() record.Record {
		cmd := record.NewCommand(record.IntentCreate, -1, record.GroupRecord{GroupID: "ops"})
		cmd.Principal = "root"
		return cmd
	}())
	require.NoError(t, err)
	assert.Equal(t, record.TypeEvent, resp.RecordType)

	open(t, conn, opts)
	counts, err := repo.Repo{DB: conn}.CountByType(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts["EVENT/USER"])
}

func TestTimeOutJobsReturnsExpiredJobs(t *testing.T) {
	conn := openDB(t)
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := open(t, conn, partition.Options{Now: clk.Now})

	resp, err := p.Execute(context.Background(), withPrincipal(record.NewCommand(record.IntentCreate, -1, record.JobRecord{Type: "ship", Retries: 3, BpmnProcessID: "order"})))
	require.NoError(t, err)
	jobKey := resp.Key
	_, err = p.Execute(context.Background(), withPrincipal(record.NewCommand(record.IntentActivate, -1, record.JobBatchRecord{
		Type:              "ship",
		Worker:            "w",
		Timeout:           1_000,
		MaxJobsToActivate: 1,
	})))
	require.NoError(t, err)

	n, err := p.TimeOutJobs(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(2 * time.Second)
	n, err = p.TimeOutJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p.View(func(st *state.State) {
		job, ok := st.Jobs.Get(jobKey)
		require.True(t, ok)
		assert.Equal(t, record.JobActivatable, job.State)
		assert.Empty(t, job.Worker)
	})
}

func TestRunTimesOutJobsOnTicker(t *testing.T) {
	conn := openDB(t)
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := open(t, conn, partition.Options{Now: clk.Now, TimeoutCheckInterval: 10 * time.Millisecond})
	resp, err := p.Execute(context.Background(), withPrincipal(record.NewCommand(record.IntentCreate, -1, record.JobRecord{Type: "ship", Retries: 3, BpmnProcessID: "order"})))
	require.NoError(t, err)
	_, err = p.Execute(context.Background(), withPrincipal(record.NewCommand(record.IntentActivate, -1, record.JobBatchRecord{
		Type: "ship", Worker: "w", Timeout: 1_000, MaxJobsToActivate: 1,
	})))
	require.NoError(t, err)
	clk.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- p.Run(ctx) }()
	require.Eventually(t, func() bool {
		var activatable bool
		p.View(func(st *state.State) {
			job, ok := st.Jobs.Get(resp.Key)
			activatable = ok && job.Activatable()
		})
		return activatable
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-stopped)
}

func TestJobsAvailableArePublished(t *testing.T) {
	conn := openDB(t)
	n := notify.NewLocal()
	p := open(t, conn, partition.Options{Notifier: n})
	ch, stop, err := n.Subscribe(context.Background(), "ship")
	require.NoError(t, err)
	defer stop()

	_, err = p.Execute(context.Background(), withPrincipal(record.NewCommand(record.IntentCreate, -1, record.JobRecord{Type: "ship", Retries: 1, BpmnProcessID: "order"})))
	require.NoError(t, err)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no job notification")
	}
}

func TestClientCannotIssueListenerOutcomes(t *testing.T) {
	conn := openDB(t)
	p := open(t, conn, partition.Options{Engine: engine.Options{AuthorizationsEnabled: true}, Admin: "admin"})
	key := createTask(t, p, record.TaskListener{EventType: record.ListenerCompleting, Type: "audit"})
	_, err := p.Submit(context.Background(), withPrincipal(record.NewCommand(record.IntentComplete, key, record.UserTaskRecord{})))
	require.NoError(t, err)

	forged := record.NewInternalCommand(record.IntentCompleteTaskListener, key, record.UserTaskRecord{
		UserTaskKey:         key,
		Corrections:         record.Corrections{Assignee: "mallory"},
		CorrectedAttributes: []string{record.AttrAssignee},
	})
	forged.Principal = "mallory"
	resp, err := p.Execute(context.Background(), forged)
	require.NoError(t, err)
	assert.Equal(t, record.TypeCommandRejection, resp.RecordType)
	assert.Equal(t, record.RejectInvalidArgument, resp.RejectionType)

	p.View(func(st *state.State) {
		task, ok := st.UserTasks.Get(key)
		require.True(t, ok)
		assert.Equal(t, record.UserTaskCompleting, task.State)
		assert.Empty(t, task.Assignee)
	})
}

func TestCommitFailureReturnsErrorAndRecovers(t *testing.T) {
	conn := openDB(t)
	p := open(t, conn, partition.Options{})
	ctx := context.Background()
	_, err := conn.Exec(`CREATE TRIGGER reject_job_events BEFORE INSERT ON records
		WHEN NEW.record_type = 'EVENT' AND NEW.value_type = 'JOB'
		BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)

	_, err = p.Submit(ctx, withPrincipal(record.NewCommand(record.IntentCreate, -1, record.JobRecord{Type: "ship", Retries: 1})))
	require.ErrorContains(t, err, "disk full")
	p.View(func(st *state.State) { assert.Empty(t, st.Jobs.All()) })

	// The backlog is retried before anything new is appended.
	before, err := repo.Repo{DB: conn}.LastPosition(ctx)
	require.NoError(t, err)
	_, err = p.Submit(ctx, withPrincipal(record.NewCommand(record.IntentCreate, -1, record.UserRecord{Username: "alice"})))
	require.ErrorContains(t, err, "unavailable")
	after, err := repo.Repo{DB: conn}.LastPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = partition.Open(ctx, conn, partition.Options{})
	require.ErrorContains(t, err, "disk full")

	_, err = conn.Exec(`DROP TRIGGER reject_job_events`)
	require.NoError(t, err)
	resp, err := p.Execute(ctx, withPrincipal(record.NewCommand(record.IntentCreate, -1, record.UserRecord{Username: "alice"})))
	require.NoError(t, err)
	assert.Equal(t, record.IntentCreated, resp.Intent)
	p.View(func(st *state.State) {
		jobs := st.Jobs.All()
		require.Len(t, jobs, 1)
		assert.Less(t, jobs[0].Key, resp.Key, "the backlog runs first")
	})

	open(t, conn, partition.Options{})
	counts, err := repo.Repo{DB: conn}.CountByType(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["EVENT/JOB"])
	assert.Equal(t, 1, counts["EVENT/USER"])
}
