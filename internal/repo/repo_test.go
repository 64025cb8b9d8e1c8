package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowkernel/internal/db"
	"flowkernel/internal/logstream"
	"flowkernel/internal/migrate"
	"flowkernel/internal/record"
	"flowkernel/internal/repo"
)

type testEnv struct {
	Repo   repo.Repo
	Writer logstream.Writer
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return testEnv{
		Repo:   repo.Repo{DB: conn},
		Writer: logstream.Writer{DB: conn, Now: func() time.Time { return now }},
		Ctx:    context.Background(),
	}
}

func TestAppendAssignsPositionsAndTimestamps(t *testing.T) {
	env := newTestEnv(t)
	cmd := record.NewCommand(record.IntentCreate, -1, record.UserRecord{Username: "alice"})
	cmd.Timestamp = 42
	cmd.RequestID = "req-1"
	written, err := env.Writer.Write(env.Ctx, cmd)
	require.NoError(t, err)
	require.Len(t, written, 1)
	cmd = written[0]
	assert.Equal(t, int64(1), cmd.Position)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), cmd.Timestamp, "commands are stamped by the log")

	evt := cmd.Event(record.IntentCreated, 7, record.UserRecord{UserKey: 7, Username: "alice"})
	rej := cmd.Rejected(record.Reject(record.RejectAlreadyExists, "exists"))
	written, err = env.Writer.Write(env.Ctx, evt, rej)
	require.NoError(t, err)
	assert.Equal(t, int64(2), written[0].Position)
	assert.Equal(t, int64(3), written[1].Position)
	assert.Equal(t, cmd.Timestamp, written[0].Timestamp)

	recs, err := env.Repo.RecordsAfter(env.Ctx, repo.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, record.TypeCommand, recs[0].RecordType)
	user, ok := recs[1].Value.(record.UserRecord)
	require.True(t, ok)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, int64(1), recs[1].SourcePosition)
	assert.Equal(t, record.RejectAlreadyExists, recs[2].RejectionType)

	last, err := env.Repo.LastPosition(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
	processed, err := env.Repo.LastProcessedPosition(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), processed)
}

func TestRecordQueries(t *testing.T) {
	env := newTestEnv(t)
	var recs []record.Record
	for i := range 5 {
		cmd := record.NewCommand(record.IntentCreate, -1, record.JobRecord{Type: "ship", Retries: 1})
		if i%2 == 1 {
			cmd = record.NewCommand(record.IntentCreate, -1, record.GroupRecord{GroupID: "ops"})
		}
		cmd.RequestID = "req"
		recs = append(recs, cmd)
	}
	_, err := env.Writer.Write(env.Ctx, recs...)
	require.NoError(t, err)

	jobs, err := env.Repo.RecordsAfter(env.Ctx, repo.RecordFilter{ValueTypes: []record.ValueType{record.ValueJob}})
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	page, err := env.Repo.RecordsAfter(env.Ctx, repo.RecordFilter{After: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].Position)
	assert.Equal(t, int64(4), page[1].Position)

	latest, err := env.Repo.LatestRecords(env.Ctx, repo.RecordFilter{Limit: 2}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), latest[0].Position)
	older, err := env.Repo.LatestRecords(env.Ctx, repo.RecordFilter{Limit: 2}, latest[1].Position)
	require.NoError(t, err)
	assert.Equal(t, int64(3), older[0].Position)

	var seen []int64
	require.NoError(t, env.Repo.Scan(env.Ctx, 1, func(rec record.Record) error {
		seen = append(seen, rec.Position)
		return nil
	}))
	assert.Equal(t, []int64{2, 3, 4, 5}, seen)

	_, err = env.Repo.GetRecord(env.Ctx, 99)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	counts, err := env.Repo.CountByType(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts["COMMAND/JOB"])
}

func TestAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	key := repo.APIKey{ID: "k1", Principal: "alice", Name: "ci", KeyHash: repo.HashAPIKey(" secret ")}
	require.NoError(t, env.Repo.InsertAPIKey(env.Ctx, key))
	require.Error(t, env.Repo.InsertAPIKey(env.Ctx, repo.APIKey{ID: "k2", KeyHash: "x"}))

	got, err := env.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey("secret"))
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Principal)
	assert.Equal(t, "ci", got.Name)

	keys, err := env.Repo.ListAPIKeys(env.Ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, env.Repo.DeleteAPIKey(env.Ctx, "k1"))
	assert.ErrorIs(t, env.Repo.DeleteAPIKey(env.Ctx, "k1"), repo.ErrNotFound)
	_, err = env.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey("secret"))
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestWebhookCursor(t *testing.T) {
	env := newTestEnv(t)
	pos, err := env.Repo.WebhookCursor(env.Ctx, "http://hook")
	require.NoError(t, err)
	assert.Zero(t, pos)
	require.NoError(t, env.Repo.SetWebhookCursor(env.Ctx, "http://hook", 12))
	require.NoError(t, env.Repo.SetWebhookCursor(env.Ctx, "http://hook", 15))
	pos, err = env.Repo.WebhookCursor(env.Ctx, "http://hook")
	require.NoError(t, err)
	assert.Equal(t, int64(15), pos)
}
