// Package notify implements notification delivery to escalation
// reviewers: a Channel abstraction with Slack and generic webhook
// backends, and a severity-routed Router, generalized from the example
// corpus's internal/notify package for the escalation handler (spec
// §4.7: "sends notifications sized to severity (high → primary channel;
// critical → primary + paging channel)").
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Channel is a notification delivery backend.
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Type() string
}

// Message is one escalation notification.
type Message struct {
	AuditID   string
	RequestID string
	SubjectID string
	Severity  string // high, critical
	Title     string
	Body      string
	Timestamp time.Time
}

// SlackChannel posts messages to a Slack incoming webhook.
type SlackChannel struct {
	WebhookURL string
	Channel    string
	client     *http.Client
}

// NewSlackChannel builds a Slack notification channel.
func NewSlackChannel(webhookURL, channel string) *SlackChannel {
	return &SlackChannel{WebhookURL: webhookURL, Channel: channel, client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *SlackChannel) Type() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("%s *[%s]* audit=%s subject=%s\n%s",
		severityEmoji(msg.Severity), strings.ToUpper(msg.Severity), msg.AuditID, msg.SubjectID, msg.Body)

	payload := map[string]interface{}{"text": text}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: encode slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: slack send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notify: slack returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// WebhookChannel posts a generic JSON notification to any HTTP endpoint,
// used for the paging escalation path.
type WebhookChannel struct {
	URL     string
	Headers map[string]string
	client  *http.Client
}

// NewWebhookChannel builds a generic webhook notification channel.
func NewWebhookChannel(url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{URL: url, Headers: headers, client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookChannel) Type() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	payload := map[string]interface{}{
		"audit_id":   msg.AuditID,
		"request_id": msg.RequestID,
		"subject_id": msg.SubjectID,
		"severity":   msg.Severity,
		"title":      msg.Title,
		"body":       msg.Body,
		"timestamp":  msg.Timestamp.Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notify: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Routes names the channel sets for each severity tier the escalation
// handler notifies on.
type Routes struct {
	Primary []Channel
	Paging  []Channel
}

// Router fans a Message out to the channels its severity requires,
// de-duplicating per (audit_id, channel type) so a retried escalation
// never double-pages a reviewer.
type Router struct {
	routes Routes

	mu   sync.Mutex
	sent map[string]struct{}
}

// NewRouter builds a Router over routes.
func NewRouter(routes Routes) *Router {
	return &Router{routes: routes, sent: make(map[string]struct{})}
}

// Notify delivers msg to the channels its severity requires: high goes
// to the primary channels, critical to primary and paging both (spec
// §4.7). Returns every delivery error encountered; a partial failure
// does not roll back the ones that succeeded.
func (r *Router) Notify(ctx context.Context, msg Message) []error {
	var errs []error
	for _, ch := range r.channelsFor(msg.Severity) {
		dedupeKey := msg.AuditID + ":" + ch.Type()
		r.mu.Lock()
		_, already := r.sent[dedupeKey]
		if !already {
			r.sent[dedupeKey] = struct{}{}
		}
		r.mu.Unlock()
		if already {
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *Router) channelsFor(severity string) []Channel {
	switch severity {
	case "critical":
		out := make([]Channel, 0, len(r.routes.Primary)+len(r.routes.Paging))
		out = append(out, r.routes.Primary...)
		out = append(out, r.routes.Paging...)
		return out
	default:
		return r.routes.Primary
	}
}

func severityEmoji(severity string) string {
	switch severity {
	case "critical":
		return "🔴"
	case "high":
		return "🟠"
	default:
		return "⚪"
	}
}
