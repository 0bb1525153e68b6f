package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"siteline/internal/config"
	"siteline/internal/domain"
	"siteline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher tails the project history feed and delivers new change
// records to each configured hook. Each hook keeps its own cursor, so a slow
// or failing endpoint never blocks the others.
type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	entries, err := d.engine.Repo.HistoryAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		log.Printf("webhook: fetch history failed: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	filter := newFieldFilter(hook.Fields)
	for _, entry := range entries {
		if !filter.match(entry.Field) {
			d.setCursor(idx, entry.ID)
			continue
		}
		if err := d.postChange(ctx, hook, entry); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, entry.ID)
	}
}

func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	// Start at the tip; hooks see changes made after startup only.
	cur, err := d.engine.Repo.LatestHistoryID(context.Background())
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookChange struct {
	ID            int64   `json:"id"`
	ProjectID     string  `json:"project_id"`
	Field         string  `json:"field"`
	OldValue      *string `json:"old_value,omitempty"`
	NewValue      *string `json:"new_value,omitempty"`
	ChangedBy     string  `json:"changed_by"`
	ChangedByName string  `json:"changed_by_name,omitempty"`
	TS            string  `json:"ts"`
}

func (d *webhookDispatcher) postChange(ctx context.Context, hook config.WebhookConfig, entry domain.HistoryEntry) error {
	body := webhookChange{
		ID:            entry.ID,
		ProjectID:     entry.ProjectID,
		Field:         entry.Field,
		OldValue:      entry.OldValue,
		NewValue:      entry.NewValue,
		ChangedBy:     entry.ChangedBy,
		ChangedByName: entry.ChangedByName,
		TS:            formatTime(entry.CreatedAt),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Siteline-Field", entry.Field)
	req.Header.Set("X-Siteline-Delivery", fmt.Sprintf("%d", entry.ID))
	req.Header.Set("X-Siteline-Project", entry.ProjectID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Siteline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type fieldFilter struct {
	all bool
	set map[string]struct{}
}

func newFieldFilter(fields []string) fieldFilter {
	if len(fields) == 0 {
		return fieldFilter{all: true}
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		key := strings.TrimSpace(f)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return fieldFilter{all: true}
	}
	return fieldFilter{set: set}
}

func (f fieldFilter) match(field string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[field]
	return ok
}
