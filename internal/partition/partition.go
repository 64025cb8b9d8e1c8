// Package partition runs the command processor of one partition as a single
// writer over its durable record log.
package partition

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowkernel/internal/engine"
	"flowkernel/internal/logstream"
	"flowkernel/internal/notify"
	"flowkernel/internal/record"
	"flowkernel/internal/repo"
	"flowkernel/internal/state"
	"flowkernel/internal/telemetry"
)

// ErrResponsePending is returned by Execute when the caller stopped waiting
// before the command's outcome was known. The command itself stays in the
// log and is processed regardless.
var ErrResponsePending = errors.New("response pending")

type Options struct {
	ID     int
	Engine engine.Options
	// Admin is bootstrapped with wildcard permissions on every resource type
	// when authorizations are enabled.
	Admin                string
	TimeoutCheckInterval time.Duration
	Notifier             notify.Notifier
	Logger               *slog.Logger
	Now                  func() time.Time
}

type Partition struct {
	opts   Options
	db     *sql.DB
	repo   repo.Repo
	writer logstream.Writer

	mu     sync.Mutex
	state  *state.State
	engine *engine.Engine

	// faulted is set when processing failed; the backlog is retried before
	// the next command is appended.
	faulted bool

	waitMu  sync.Mutex
	waiters map[string]chan record.Record
}

// Open rebuilds the partition's state from the log in db and finishes the
// commands that were appended but not processed before the last shutdown.
func Open(ctx context.Context, db *sql.DB, opts Options) (*Partition, error) {
	if opts.ID == 0 {
		opts.ID = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Engine.Logger == nil {
		opts.Engine.Logger = opts.Logger
	}
	p := &Partition{
		opts:    opts,
		db:      db,
		repo:    repo.Repo{DB: db},
		writer:  logstream.Writer{DB: db, Now: opts.Now},
		waiters: map[string]chan record.Record{},
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.recover(ctx); err != nil {
		return nil, err
	}
	if err := p.bootstrap(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Partition) logger() *slog.Logger {
	if p.opts.Logger != nil {
		return p.opts.Logger
	}
	return slog.Default()
}

// recover rebuilds the state and processes the commands that have no outcome
// in the log yet.
func (p *Partition) recover(ctx context.Context) error {
	pending, err := p.rebuild(ctx)
	if err != nil {
		return err
	}
	p.faulted = false
	return p.drain(ctx, pending)
}

// rebuild replaces the in-memory state with a replay of the log's events and
// returns the commands still waiting for an outcome, in log order.
func (p *Partition) rebuild(ctx context.Context) ([]record.Record, error) {
	p.state = state.New(p.opts.ID)
	p.engine = engine.New(p.state, p.opts.Engine)
	var events int
	waiting := map[int64]record.Record{}
	err := p.repo.Scan(ctx, 0, func(rec record.Record) error {
		if rec.IsCommand() {
			waiting[rec.Position] = rec
			return nil
		}
		delete(waiting, rec.SourcePosition)
		if rec.RecordType == record.TypeEvent {
			events++
			return engine.Apply(p.state, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	pending := make([]record.Record, 0, len(waiting))
	for _, rec := range waiting {
		pending = append(pending, rec)
	}
	slices.SortFunc(pending, func(a, b record.Record) int { return cmp.Compare(a.Position, b.Position) })
	p.logger().Info("partition replayed",
		"partition", p.opts.ID,
		"events", events,
		"pending_commands", len(pending),
		"last_key", p.state.Keys.Current())
	return pending, nil
}

// bootstrap creates the configured admin on first start.
func (p *Partition) bootstrap(ctx context.Context) error {
	if !p.opts.Engine.AuthorizationsEnabled || p.opts.Admin == "" {
		return nil
	}
	if _, ok := p.state.Identities.UserByUsername(p.opts.Admin); ok {
		return nil
	}
	if _, err := p.submitLocked(ctx, record.NewInternalCommand(record.IntentCreate, -1, record.UserRecord{Username: p.opts.Admin})); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	admin, ok := p.state.Identities.UserByUsername(p.opts.Admin)
	if !ok {
		return fmt.Errorf("bootstrap admin: user %s was not created", p.opts.Admin)
	}
	for _, rt := range record.ResourceTypes() {
		var perms []record.PermissionValue
		for _, pt := range rt.SupportedPermissionTypes() {
			perms = append(perms, record.PermissionValue{PermissionType: pt, ResourceIDs: []string{record.WildcardResourceID}})
		}
		cmd := record.NewInternalCommand(record.IntentAddPermission, admin.UserKey, record.AuthorizationRecord{
			OwnerKey:     admin.UserKey,
			ResourceType: rt,
			Permissions:  perms,
		})
		if _, err := p.submitLocked(ctx, cmd); err != nil {
			return fmt.Errorf("bootstrap admin permissions on %s: %w", rt, err)
		}
	}
	p.logger().Info("bootstrapped admin", "username", p.opts.Admin, "user_key", admin.UserKey)
	return nil
}

// Execute submits a client command on behalf of its principal and waits for
// the response: the command's last event, its rejection, or for gated user
// task transitions the outcome once the task listeners finished.
func (p *Partition) Execute(ctx context.Context, cmd record.Record) (record.Record, error) {
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}
	cmd.Internal = false
	ch := p.await(cmd.RequestID)
	defer p.forget(cmd.RequestID)
	appended, err := p.Submit(ctx, cmd)
	if err != nil {
		return record.Record{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return appended, fmt.Errorf("request %s at position %d: %w", cmd.RequestID, appended.Position, ErrResponsePending)
	}
}

// Submit appends cmd to the log and processes it together with every
// follow-up command it causes. It returns the appended command.
func (p *Partition) Submit(ctx context.Context, cmd record.Record) (record.Record, error) {
	if cmd.RecordType != record.TypeCommand {
		return record.Record{}, fmt.Errorf("submit %s: %w", cmd, engine.ErrNotACommand)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitLocked(ctx, cmd)
}

func (p *Partition) submitLocked(ctx context.Context, cmd record.Record) (record.Record, error) {
	// Once appended the command must be processed even if the caller leaves.
	ctx = context.WithoutCancel(ctx)
	if p.faulted {
		if err := p.recover(ctx); err != nil {
			return record.Record{}, fmt.Errorf("partition %d unavailable: %w", p.opts.ID, err)
		}
	}
	cmd.Position, cmd.SourcePosition, cmd.Timestamp = 0, 0, 0
	written, err := p.writer.Write(ctx, cmd)
	if err != nil {
		return record.Record{}, fmt.Errorf("append %s: %w", cmd, err)
	}
	return written[0], p.drain(ctx, written)
}

// drain processes queue in log order; follow-ups join the end of the queue.
func (p *Partition) drain(ctx context.Context, queue []record.Record) error {
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		followUps, err := p.process(ctx, next)
		if err != nil {
			return err
		}
		queue = append(queue, followUps...)
	}
	return nil
}

// process runs one appended command and commits its outcome and follow-ups
// in one transaction. On any failure the in-memory state is rebuilt from
// the log so that it never runs ahead of what was committed.
func (p *Partition) process(ctx context.Context, cmd record.Record) ([]record.Record, error) {
	start := time.Now()
	res, err := p.engine.Process(cmd)
	if err != nil {
		return nil, p.fault(ctx, err)
	}
	written, followUps, err := p.commit(ctx, res)
	if err != nil {
		return nil, p.fault(ctx, fmt.Errorf("commit outcome of %s: %w", cmd, err))
	}
	telemetry.ObserveCommand(cmd, written, time.Since(start))
	for _, resp := range res.Responses {
		p.deliver(resp.RequestID, positioned(resp.Record, res.Records, written))
	}
	p.publish(ctx, res.JobsAvailable)
	return followUps, nil
}

func (p *Partition) commit(ctx context.Context, res engine.Result) ([]record.Record, []record.Record, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()
	written, err := p.writer.Append(ctx, tx, res.Records...)
	if err != nil {
		return nil, nil, err
	}
	followUps, err := p.writer.Append(ctx, tx, res.FollowUps...)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return written, followUps, nil
}

// fault discards the in-memory state, which may have run ahead of the log,
// and replays it from what was committed. Unprocessed commands stay in the
// log until the next recovery.
func (p *Partition) fault(ctx context.Context, cause error) error {
	p.logger().Error("command processing failed; rebuilding state from the log", "error", cause)
	p.faulted = true
	if _, err := p.rebuild(ctx); err != nil {
		return errors.Join(cause, fmt.Errorf("rebuild state: %w", err))
	}
	return cause
}

// positioned returns rec with the log position it was written at, when it is
// one of the records of the result.
func positioned(rec record.Record, produced, written []record.Record) record.Record {
	for i := len(produced) - 1; i >= 0; i-- {
		r := produced[i]
		if r.RecordType == rec.RecordType && r.ValueType == rec.ValueType && r.Intent == rec.Intent && r.Key == rec.Key && i < len(written) {
			rec.Position = written[i].Position
			rec.Timestamp = written[i].Timestamp
			return rec
		}
	}
	return rec
}

func (p *Partition) publish(ctx context.Context, jobTypes []string) {
	if p.opts.Notifier == nil {
		return
	}
	seen := map[string]bool{}
	for _, jobType := range jobTypes {
		if seen[jobType] {
			continue
		}
		seen[jobType] = true
		if err := p.opts.Notifier.Publish(ctx, jobType); err != nil {
			p.logger().Warn("job notification failed", "job_type", jobType, "error", err)
		}
	}
}

func (p *Partition) await(requestID string) chan record.Record {
	ch := make(chan record.Record, 1)
	p.waitMu.Lock()
	p.waiters[requestID] = ch
	p.waitMu.Unlock()
	return ch
}

func (p *Partition) forget(requestID string) {
	p.waitMu.Lock()
	delete(p.waiters, requestID)
	p.waitMu.Unlock()
}

func (p *Partition) deliver(requestID string, rec record.Record) {
	p.waitMu.Lock()
	ch, ok := p.waiters[requestID]
	p.waitMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- rec:
	default:
	}
}

func (p *Partition) ID() int { return p.opts.ID }

// View runs fn against the current state. fn must not retain or mutate it.
func (p *Partition) View(fn func(st *state.State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.state)
}

// Run issues TIME_OUT commands for activated jobs past their deadline until
// ctx is done.
func (p *Partition) Run(ctx context.Context) error {
	if p.opts.TimeoutCheckInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(p.opts.TimeoutCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.TimeOutJobs(ctx); err != nil {
				p.logger().Error("job timeout check failed", "error", err)
			}
		}
	}
}

// TimeOutJobs times out every activated job whose deadline passed and
// returns how many were timed out.
func (p *Partition) TimeOutJobs(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	expired := p.state.Jobs.Expired(p.opts.Now().UnixMilli())
	for _, key := range expired {
		job, _ := p.state.Jobs.Get(key)
		cmd := record.NewInternalCommand(record.IntentTimeOut, key, record.JobRecord{Type: job.Type})
		if _, err := p.submitLocked(ctx, cmd); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}
