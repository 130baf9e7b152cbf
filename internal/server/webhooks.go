package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"callsheet/internal/config"
	"callsheet/internal/domain"
	"callsheet/internal/events"
	"callsheet/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	webhookBatch           = 100
	signatureHeader        = "X-Callsheet-Signature"
)

// WebhookDispatcher notifies external systems of outbox events, chiefly
// phase.transitioned. Each hook advances its own cursor; a failed delivery
// stops that hook's pass and is retried on the next tick.
type WebhookDispatcher struct {
	Repo     repo.Repo
	Interval time.Duration
	Logger   *slog.Logger

	hooks []*hookState
}

type hookState struct {
	cfg      config.WebhookConfig
	client   *http.Client
	events   set
	projects set
	phases   set

	mu       sync.Mutex
	cursor   int64
	pinned   bool
	failures int
}

// NewWebhookDispatcher returns nil when no enabled hook is configured.
func NewWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &WebhookDispatcher{Repo: r, Interval: defaultWebhookInterval, Logger: logger}
	for _, h := range hooks {
		if (h.Enabled != nil && !*h.Enabled) || strings.TrimSpace(h.URL) == "" {
			continue
		}
		timeout := defaultWebhookTimeout
		if h.TimeoutSeconds > 0 {
			timeout = time.Duration(h.TimeoutSeconds) * time.Second
		}
		phases := make([]string, 0, len(h.Phases))
		for _, raw := range h.Phases {
			p, err := domain.ParsePhase(raw)
			if err != nil {
				logger.Warn("webhook: ignoring unknown phase filter", "url", h.URL, "phase", raw)
				continue
			}
			phases = append(phases, string(p))
		}
		d.hooks = append(d.hooks, &hookState{
			cfg:      h,
			client:   &http.Client{Timeout: timeout},
			events:   newSet(h.Events),
			projects: newSet(h.Projects),
			phases:   newSet(phases),
		})
	}
	if len(d.hooks) == 0 {
		return nil
	}
	return d
}

// Run delivers on every tick until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
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
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every hook. The first pass pins a
// hook's cursor at the end of the outbox so restarts do not replay history.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for _, h := range d.hooks {
		d.dispatch(ctx, h)
	}
}

func (d *WebhookDispatcher) dispatch(ctx context.Context, h *hookState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.pinned {
		latest, err := d.Repo.LatestEventID(ctx, "")
		if err != nil {
			d.Logger.Warn("webhook: pin cursor", "url", h.cfg.URL, "err", err)
			return
		}
		h.cursor, h.pinned = latest, true
	}
	batch, err := d.Repo.EventsAfter(ctx, webhookBatch, h.cursor, "")
	if err != nil {
		d.Logger.Warn("webhook: read outbox", "url", h.cfg.URL, "err", err)
		return
	}
	for _, evt := range batch {
		n, ok := h.accept(evt)
		if ok {
			if err := d.post(ctx, h, n); err != nil {
				h.failures++
				d.Logger.Warn("webhook: delivery failed", "url", h.cfg.URL, "event_id", evt.ID,
					"failures", h.failures, "err", err)
				return
			}
			h.failures = 0
			d.Logger.Debug("webhook: delivered", "url", h.cfg.URL, "event_id", evt.ID, "type", evt.Type)
		}
		h.cursor = evt.ID
	}
}

// Notification is the JSON body posted to a hook.
type Notification struct {
	Delivery   string          `json:"delivery"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	Actor      string          `json:"actor"`
	At         string          `json:"at"`
	Transition *TransitionNote `json:"transition,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// TransitionNote is the decoded payload of a phase.transitioned event.
type TransitionNote struct {
	RecordID   string `json:"record_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Trigger    string `json:"trigger"`
	Forced     bool   `json:"forced"`
	Reason     string `json:"reason,omitempty"`
	OccurredAt string `json:"occurred_at"`
}

func (h *hookState) accept(evt domain.Event) (Notification, bool) {
	if !h.events.has(evt.Type) || !h.projects.has(evt.ProjectID) {
		return Notification{}, false
	}
	n := Notification{
		Delivery:  strconv.FormatInt(evt.ID, 10),
		Type:      evt.Type,
		ProjectID: evt.ProjectID,
		Actor:     evt.ActorID,
		At:        evt.TS,
	}
	if evt.Type != events.PhaseTransitioned {
		if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
			n.Payload = json.RawMessage(evt.Payload)
		}
		return n, h.phases.empty()
	}
	var note TransitionNote
	if err := json.Unmarshal([]byte(evt.Payload), &note); err != nil {
		return Notification{}, false
	}
	n.Transition = &note
	return n, h.phases.has(note.To)
}

func (d *WebhookDispatcher) post(ctx context.Context, h *hookState, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Callsheet-Event", n.Type)
	req.Header.Set("X-Callsheet-Delivery", n.Delivery)
	if n.ProjectID != "" {
		req.Header.Set("X-Callsheet-Project", n.ProjectID)
	}
	if secret := strings.TrimSpace(h.cfg.Secret); secret != "" {
		req.Header.Set(signatureHeader, Sign(secret, body))
	}
	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Sign returns the signature header value for body: "sha256=" followed by
// the hex HMAC-SHA256 of body keyed with secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// set is a string filter; an empty set matches everything.
type set map[string]struct{}

func newSet(items []string) set {
	s := set{}
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			s[it] = struct{}{}
		}
	}
	return s
}

func (s set) empty() bool { return len(s) == 0 }

func (s set) has(v string) bool {
	if s.empty() {
		return true
	}
	_, ok := s[v]
	return ok
}
