// Package logstream appends records to the partition's durable log.
package logstream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"flowkernel/internal/record"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() int64 {
	if w.Now == nil {
		return time.Now().UnixMilli()
	}
	return w.Now().UnixMilli()
}

// Append writes recs in order within tx and returns them with their assigned
// positions. Commands are stamped with the current time; events and
// rejections keep the timestamp of their command.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, recs ...record.Record) ([]record.Record, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position),0) FROM records`).Scan(&last); err != nil {
		return nil, fmt.Errorf("read log position: %w", err)
	}
	ts := w.now()
	out := make([]record.Record, len(recs))
	for i, rec := range recs {
		last++
		rec.Position = last
		if rec.IsCommand() || rec.Timestamp == 0 {
			rec.Timestamp = ts
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", rec, err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO records(position,source_position,record_key,ts,record_type,value_type,intent,rejection_type,request_id,principal,record_json) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			rec.Position, rec.SourcePosition, rec.Key, rec.Timestamp, rec.RecordType, rec.ValueType, rec.Intent,
			nullable(string(rec.RejectionType)), nullable(rec.RequestID), nullable(rec.Principal), string(data))
		if err != nil {
			return nil, fmt.Errorf("append %s: %w", rec, err)
		}
		out[i] = rec
	}
	return out, nil
}

// Write appends recs in a transaction of its own.
func (w Writer) Write(ctx context.Context, recs ...record.Record) ([]record.Record, error) {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	out, err := w.Append(ctx, tx, recs...)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
