package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"flowkernel/internal/config"
	"flowkernel/internal/record"
	"flowkernel/internal/repo"
	"flowkernel/internal/telemetry"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookExporter pushes committed records to the configured webhooks, one
// POST per record in log order. Each hook's cursor is stored, so delivery
// resumes after a restart; a failed delivery is retried on the next tick.
type WebhookExporter struct {
	Repo     repo.Repo
	Webhooks []config.Webhook
	Client   *http.Client
	Interval time.Duration
	Logger   *slog.Logger
}

func (d *WebhookExporter) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Run dispatches until ctx is done.
func (d *WebhookExporter) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll delivers one batch to every enabled webhook.
func (d *WebhookExporter) DispatchAll(ctx context.Context) {
	for _, hook := range d.Webhooks {
		if !hook.Enabled || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if err := d.dispatch(ctx, hook); err != nil {
			telemetry.WebhookFailures.Inc()
			d.logger().Warn("webhook delivery failed", "url", hook.URL, "error", err)
		}
	}
}

func (d *WebhookExporter) dispatch(ctx context.Context, hook config.Webhook) error {
	cursor, err := d.Repo.WebhookCursor(ctx, hook.URL)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	recs, err := d.Repo.RecordsAfter(ctx, repo.RecordFilter{After: cursor, Limit: defaultWebhookBatch})
	if err != nil {
		return fmt.Errorf("fetch records: %w", err)
	}
	for _, rec := range recs {
		if matches(hook, rec) {
			if err := d.post(ctx, hook, rec); err != nil {
				return err
			}
		}
		if err := d.Repo.SetWebhookCursor(ctx, hook.URL, rec.Position); err != nil {
			return fmt.Errorf("store cursor: %w", err)
		}
	}
	return nil
}

func matches(hook config.Webhook, rec record.Record) bool {
	return len(hook.ValueTypes) == 0 || slices.Contains(hook.ValueTypes, rec.ValueType)
}

func (d *WebhookExporter) post(ctx context.Context, hook config.Webhook, rec record.Record) error {
	data, err := json.Marshal(recordResponse(rec))
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flowkernel-Record", fmt.Sprintf("%s.%s.%s", rec.RecordType, rec.ValueType, rec.Intent))
	req.Header.Set("X-Flowkernel-Delivery", fmt.Sprintf("%d", rec.Position))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Flowkernel-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("position %d: status %d: %s", rec.Position, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
