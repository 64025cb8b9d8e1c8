// Package repo holds the read-side queries over the committed record log and
// the gateway's bookkeeping tables.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"flowkernel/internal/record"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// RecordFilter narrows a log query. Zero values match everything.
type RecordFilter struct {
	After      int64
	Limit      int
	RecordType record.RecordType
	ValueTypes []record.ValueType
	Key        int64
	RequestID  string
}

const defaultLimit = 100

func (f RecordFilter) where() (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.After > 0 {
		clauses = append(clauses, "position>?")
		args = append(args, f.After)
	}
	if f.RecordType != "" {
		clauses = append(clauses, "record_type=?")
		args = append(args, f.RecordType)
	}
	if len(f.ValueTypes) > 0 {
		marks := make([]string, len(f.ValueTypes))
		for i, vt := range f.ValueTypes {
			marks[i] = "?"
			args = append(args, vt)
		}
		clauses = append(clauses, "value_type IN ("+strings.Join(marks, ",")+")")
	}
	if f.Key != 0 {
		clauses = append(clauses, "record_key=?")
		args = append(args, f.Key)
	}
	if f.RequestID != "" {
		clauses = append(clauses, "request_id=?")
		args = append(args, f.RequestID)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// RecordsAfter returns records with positions greater than f.After in log
// order.
func (r Repo) RecordsAfter(ctx context.Context, f RecordFilter) ([]record.Record, error) {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	where, args := f.where()
	query := fmt.Sprintf(`SELECT position,record_json FROM records %s ORDER BY position ASC LIMIT ?`, where)
	return r.queryRecords(ctx, query, append(args, f.Limit)...)
}

// LatestRecords returns the newest records matching f, newest first. f.After
// is ignored; before, when positive, bounds the positions from above.
func (r Repo) LatestRecords(ctx context.Context, f RecordFilter, before int64) ([]record.Record, error) {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	f.After = 0
	where, args := f.where()
	if before > 0 {
		where += " AND position<?"
		args = append(args, before)
	}
	query := fmt.Sprintf(`SELECT position,record_json FROM records %s ORDER BY position DESC LIMIT ?`, where)
	return r.queryRecords(ctx, query, append(args, f.Limit)...)
}

// Scan streams every record after position to fn in log order.
func (r Repo) Scan(ctx context.Context, after int64, fn func(record.Record) error) error {
	for {
		batch, err := r.RecordsAfter(ctx, RecordFilter{After: after, Limit: 500})
		if err != nil {
			return err
		}
		for _, rec := range batch {
			if err := fn(rec); err != nil {
				return err
			}
			after = rec.Position
		}
		if len(batch) < 500 {
			return nil
		}
	}
}

func (r Repo) GetRecord(ctx context.Context, position int64) (record.Record, error) {
	recs, err := r.queryRecords(ctx, `SELECT position,record_json FROM records WHERE position=?`, position)
	if err != nil {
		return record.Record{}, err
	}
	if len(recs) == 0 {
		return record.Record{}, ErrNotFound
	}
	return recs[0], nil
}

// LastPosition returns the position of the newest record, 0 for an empty log.
func (r Repo) LastPosition(ctx context.Context) (int64, error) {
	var pos int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(position),0) FROM records`).Scan(&pos)
	return pos, err
}

// LastProcessedPosition returns the position of the newest command that has
// an outcome in the log.
func (r Repo) LastProcessedPosition(ctx context.Context) (int64, error) {
	var pos int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(source_position),0) FROM records WHERE record_type<>?`, record.TypeCommand).Scan(&pos)
	return pos, err
}

// CountByType returns the number of records per record type and value type.
func (r Repo) CountByType(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT record_type, value_type, count(*) FROM records GROUP BY record_type, value_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var rt, vt string
		var count int
		if err := rows.Scan(&rt, &vt, &count); err != nil {
			return nil, err
		}
		res[rt+"/"+vt] = count
	}
	return res, rows.Err()
}

func (r Repo) queryRecords(ctx context.Context, query string, args ...any) ([]record.Record, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []record.Record
	for rows.Next() {
		var pos int64
		var data string
		if err := rows.Scan(&pos, &data); err != nil {
			return nil, err
		}
		var rec record.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", pos, err)
		}
		rec.Position = pos
		res = append(res, rec)
	}
	return res, rows.Err()
}

// WebhookCursor returns the last position delivered to url.
func (r Repo) WebhookCursor(ctx context.Context, url string) (int64, error) {
	var pos int64
	err := r.DB.QueryRowContext(ctx, `SELECT position FROM webhook_cursors WHERE url=?`, url).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return pos, err
}

func (r Repo) SetWebhookCursor(ctx context.Context, url string, position int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(url,position,updated_at) VALUES (?,?,?)
		ON CONFLICT(url) DO UPDATE SET position=excluded.position, updated_at=excluded.updated_at`,
		url, position, time.Now().UTC().Format(time.RFC3339))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
