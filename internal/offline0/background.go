package offline0

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Syncer runs the external synchronization routine for a tag.
type Syncer interface {
	Sync(ctx context.Context, tag string) error
}

type SyncFunc func(ctx context.Context, tag string) error

func (f SyncFunc) Sync(ctx context.Context, tag string) error { return f(ctx, tag) }

// PendingSyncJob is deferred work waiting for a sync wake.
type PendingSyncJob struct {
	ID            string    `json:"id"`
	Tag           string    `json:"tag"`
	CreatedAt     time.Time `json:"created_at"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
	LastError     string    `json:"last_error,omitempty"`

	running  bool
	requeued bool
}

// SyncQueue holds at most one pending job per tag.
type SyncQueue struct {
	maxAttempts int
	log         *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*PendingSyncJob
	syncers map[string]Syncer
}

// NewSyncQueue returns a queue that drops a job after maxAttempts failed
// wakes. Zero retries forever.
func NewSyncQueue(maxAttempts int, logger *slog.Logger) *SyncQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncQueue{
		maxAttempts: maxAttempts,
		log:         logger,
		jobs:        map[string]*PendingSyncJob{},
		syncers:     map[string]Syncer{},
	}
}

func (q *SyncQueue) Register(tag string, s Syncer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.syncers[tag] = s
}

// Enqueue records a pending job for tag. A tag that is already pending keeps
// its existing job; if that job is being synchronized right now it stays
// pending after the attempt so the newer work gets its own run.
func (q *SyncQueue) Enqueue(tag string) PendingSyncJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[tag]; ok {
		if j.running {
			j.requeued = true
		}
		return *j
	}
	j := &PendingSyncJob{ID: uuid.NewString(), Tag: tag, CreatedAt: time.Now().UTC()}
	q.jobs[tag] = j
	return *j
}

func (q *SyncQueue) Pending() []PendingSyncJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingSyncJob, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Tag < out[k].Tag })
	return out
}

// Sync handles a sync wake for tag. Without a pending job it does nothing,
// so replaying a wake after success has no effect. A failure keeps the job
// and returns ErrSyncJobFailure so the wake stays unacknowledged.
func (q *SyncQueue) Sync(ctx context.Context, tag string) error {
	q.mu.Lock()
	job, ok := q.jobs[tag]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	s, ok := q.syncers[tag]
	if !ok {
		delete(q.jobs, tag)
		q.mu.Unlock()
		q.log.Warn("no syncer registered, discarding job", "tag", tag)
		syncTotal.WithLabelValues("unhandled").Inc()
		return nil
	}
	job.Attempts++
	job.LastAttemptAt = time.Now().UTC()
	job.running = true
	job.requeued = false
	attempt := job.Attempts
	q.mu.Unlock()

	q.log.Info("synchronizing", "tag", tag, "attempt", attempt)
	err := s.Sync(ctx, tag)

	q.mu.Lock()
	defer q.mu.Unlock()
	job.running = false
	if job.requeued {
		// work queued mid-attempt was not covered by it
		job.requeued = false
		job.Attempts = 0
		job.LastError = ""
		if err == nil {
			syncTotal.WithLabelValues("ok").Inc()
			q.log.Info("synchronized, newer work still pending", "tag", tag)
			return nil
		}
		syncTotal.WithLabelValues("failed").Inc()
		q.log.Warn("sync failed, job kept for next wake", "tag", tag, "attempt", attempt, "error", err)
		return fmt.Errorf("%w: tag %q: %v", ErrSyncJobFailure, tag, err)
	}
	if err == nil {
		delete(q.jobs, tag)
		syncTotal.WithLabelValues("ok").Inc()
		return nil
	}
	job.LastError = err.Error()
	if q.maxAttempts > 0 && attempt >= q.maxAttempts {
		delete(q.jobs, tag)
		syncTotal.WithLabelValues("dropped").Inc()
		q.log.Error("sync job dropped", "tag", tag, "attempts", attempt, "error", err)
		return fmt.Errorf("%w: tag %q: %v (gave up after %d attempts)", ErrSyncJobFailure, tag, err, attempt)
	}
	syncTotal.WithLabelValues("failed").Inc()
	q.log.Warn("sync failed, job kept for next wake", "tag", tag, "attempt", attempt, "error", err)
	return fmt.Errorf("%w: tag %q: %v", ErrSyncJobFailure, tag, err)
}

type NotificationAction struct {
	Action string `yaml:"action" json:"action"`
	Title  string `yaml:"title" json:"title"`
}

// Notification is what gets shown to the user for a push.
type Notification struct {
	ID                 string               `json:"id"`
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon,omitempty"`
	Badge              string               `json:"badge,omitempty"`
	Tag                string               `json:"tag,omitempty"`
	Vibrate            []int                `json:"vibrate,omitempty"`
	RequireInteraction bool                 `json:"require_interaction"`
	Actions            []NotificationAction `json:"actions,omitempty"`
	// URL is opened on click instead of the root view when set.
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier is the application's notification presentation mechanism.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, tag string) error
}

// WindowOpener focuses an open view of the application, or opens one.
type WindowOpener interface {
	FocusOrOpen(ctx context.Context, url string) error
}

// OpenRequest is the focus-or-open request produced by a notification click.
type OpenRequest struct {
	URL string `json:"url,omitempty"`
}

// PushDefaults fill every notification field the payload leaves out.
type PushDefaults struct {
	Title              string
	Body               string
	Icon               string
	Badge              string
	Tag                string
	Vibrate            []int
	RequireInteraction bool
	Actions            []NotificationAction
	OpenURL            string
}

func PushDefaultsFromConfig(cfg Config) PushDefaults {
	p := cfg.Background.Push
	return PushDefaults{
		Title:              p.Title,
		Body:               p.DefaultBody,
		Icon:               p.Icon,
		Badge:              p.Badge,
		Tag:                p.Tag,
		Vibrate:            p.Vibrate,
		RequireInteraction: p.RequireInteraction,
		Actions:            p.Actions,
		OpenURL:            cfg.Background.OpenURL,
	}
}

// Background handles wakes that are unrelated to fetches.
type Background struct {
	queue    *SyncQueue
	notifier Notifier
	opener   WindowOpener
	defaults PushDefaults
	log      *slog.Logger

	mu    sync.Mutex
	byTag map[string]Notification
}

func NewBackground(queue *SyncQueue, notifier Notifier, opener WindowOpener, defaults PushDefaults, logger *slog.Logger) *Background {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.OpenURL == "" {
		defaults.OpenURL = "/"
	}
	return &Background{
		queue:    queue,
		notifier: notifier,
		opener:   opener,
		defaults: defaults,
		log:      logger,
		byTag:    map[string]Notification{},
	}
}

func (b *Background) Queue() *SyncQueue { return b.queue }

func (b *Background) Sync(ctx context.Context, tag string) error {
	return b.queue.Sync(ctx, tag)
}

// Push shows a notification built from payload.
func (b *Background) Push(ctx context.Context, payload []byte) (Notification, error) {
	n := b.notificationFor(payload)
	if err := b.notifier.Show(ctx, n); err != nil {
		pushTotal.WithLabelValues("failed").Inc()
		b.log.Warn("showing notification failed", "tag", n.Tag, "error", err)
		return n, fmt.Errorf("%w: show: %v", ErrPushHandling, err)
	}
	b.mu.Lock()
	b.byTag[n.Tag] = n
	b.mu.Unlock()
	pushTotal.WithLabelValues("ok").Inc()
	b.log.Info("notification shown", "id", n.ID, "tag", n.Tag)
	return n, nil
}

// notificationFor reads a text payload as the body. A JSON object payload
// may set title, body, tag, icon and url.
func (b *Background) notificationFor(payload []byte) Notification {
	d := b.defaults
	n := Notification{
		ID:                 uuid.NewString(),
		Title:              d.Title,
		Body:               d.Body,
		Icon:               d.Icon,
		Badge:              d.Badge,
		Tag:                d.Tag,
		Vibrate:            d.Vibrate,
		RequireInteraction: d.RequireInteraction,
		Actions:            d.Actions,
		CreatedAt:          time.Now().UTC(),
	}

	text := strings.TrimSpace(string(payload))
	if text == "" {
		return n
	}
	if !gjson.Valid(text) || !gjson.Parse(text).IsObject() {
		n.Body = string(payload)
		return n
	}
	obj := gjson.Parse(text)
	set := func(dst *string, field string) {
		if v := obj.Get(field); v.Exists() && v.String() != "" {
			*dst = v.String()
		}
	}
	set(&n.Title, "title")
	set(&n.Body, "body")
	set(&n.Tag, "tag")
	set(&n.Icon, "icon")
	set(&n.URL, "url")
	return n
}

// NotificationClick closes the clicked notification and, unless the action
// is "dismiss", focuses or opens the application.
func (b *Background) NotificationClick(ctx context.Context, tag, action string) (OpenRequest, error) {
	if err := b.notifier.Close(ctx, tag); err != nil {
		b.log.Warn("closing notification failed", "tag", tag, "error", err)
	}
	b.mu.Lock()
	n, known := b.byTag[tag]
	delete(b.byTag, tag)
	b.mu.Unlock()

	if action == "dismiss" {
		return OpenRequest{}, nil
	}
	target := b.defaults.OpenURL
	if known && n.URL != "" {
		target = n.URL
	}
	if err := b.opener.FocusOrOpen(ctx, target); err != nil {
		return OpenRequest{}, fmt.Errorf("%w: open %s: %v", ErrPushHandling, target, err)
	}
	return OpenRequest{URL: target}, nil
}

// Outbox is an in-memory Notifier keeping the most recent notifications for
// the application to display. A notification replaces an earlier one with
// the same tag.
type Outbox struct {
	max int

	mu    sync.Mutex
	items []Notification
}

func NewOutbox(max int) *Outbox {
	if max <= 0 {
		max = 50
	}
	return &Outbox{max: max}
}

func (o *Outbox) Show(_ context.Context, n Notification) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removeLocked(n.Tag)
	o.items = append(o.items, n)
	if len(o.items) > o.max {
		o.items = append([]Notification(nil), o.items[len(o.items)-o.max:]...)
	}
	return nil
}

func (o *Outbox) Close(_ context.Context, tag string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removeLocked(tag)
	return nil
}

func (o *Outbox) removeLocked(tag string) {
	if tag == "" {
		return
	}
	kept := o.items[:0]
	for _, it := range o.items {
		if it.Tag != tag {
			kept = append(kept, it)
		}
	}
	o.items = kept
}

// List returns the displayed notifications, oldest first.
func (o *Outbox) List() []Notification {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Notification(nil), o.items...)
}

// LogOpener records focus-or-open requests in the log.
type LogOpener struct {
	log *slog.Logger

	mu   sync.Mutex
	last string
}

func NewLogOpener(logger *slog.Logger) *LogOpener {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogOpener{log: logger}
}

func (o *LogOpener) FocusOrOpen(_ context.Context, url string) error {
	o.mu.Lock()
	o.last = url
	o.mu.Unlock()
	o.log.Info("focus or open window", "url", url)
	return nil
}

// Last returns the most recently requested URL.
func (o *LogOpener) Last() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}
