package offline0

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

// Event is a wake signal delivered to the Dispatcher.
type Event interface {
	eventName() string
}

type InstallEvent struct{ Version string }

type ActivateEvent struct{}

type CollectGarbageEvent struct{}

type SyncEvent struct{ Tag string }

type PushEvent struct{ Payload []byte }

type NotificationClickEvent struct {
	Tag    string
	Action string
}

type FetchEvent struct{ Request *http.Request }

func (InstallEvent) eventName() string           { return "install" }
func (ActivateEvent) eventName() string          { return "activate" }
func (CollectGarbageEvent) eventName() string    { return "gc" }
func (SyncEvent) eventName() string              { return "sync" }
func (PushEvent) eventName() string              { return "push" }
func (NotificationClickEvent) eventName() string { return "notificationclick" }
func (FetchEvent) eventName() string             { return "fetch" }

// Result is what handling an event produced. Err is nil when the wake is
// acknowledged.
type Result struct {
	Response     *http.Response
	Notification *Notification
	Open         *OpenRequest
	Err          error
}

type envelope struct {
	ctx   context.Context
	ev    Event
	reply chan Result
}

// Dispatcher routes every wake signal to the component that owns it. Fetches
// run concurrently, one goroutine each; all other wakes run one at a time in
// arrival order.
type Dispatcher struct {
	lifecycle   *Lifecycle
	interceptor http.RoundTripper
	background  *Background
	log         *slog.Logger

	events chan envelope
	wakes  chan envelope

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewDispatcher(l *Lifecycle, interceptor http.RoundTripper, bg *Background, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		lifecycle:   l,
		interceptor: interceptor,
		background:  bg,
		log:         logger,
		events:      make(chan envelope),
		wakes:       make(chan envelope, 64),
		stopCh:      make(chan struct{}),
	}
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.routeLoop()
	}()
	go func() {
		defer d.wg.Done()
		d.wakeLoop()
	}()
	return d
}

// Dispatch delivers ev and waits for its result or for ctx to end.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) Result {
	reply := make(chan Result, 1)
	select {
	case d.events <- envelope{ctx: ctx, ev: ev, reply: reply}:
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	case <-d.stopCh:
		return Result{Err: ErrDispatcherClosed}
	}

	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		go discard(reply)
		return Result{Err: ctx.Err()}
	case <-d.stopCh:
		go discard(reply)
		return Result{Err: ErrDispatcherClosed}
	}
}

// discard closes a response nobody is waiting for anymore.
func discard(reply <-chan Result) {
	if r := <-reply; r.Response != nil {
		r.Response.Body.Close()
	}
}

// Fetch sends req through the interceptor.
func (d *Dispatcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	r := d.Dispatch(ctx, FetchEvent{Request: req.WithContext(ctx)})
	return r.Response, r.Err
}

func (d *Dispatcher) routeLoop() {
	for {
		select {
		case <-d.stopCh:
			return
		case env := <-d.events:
			if fe, ok := env.ev.(FetchEvent); ok {
				d.wg.Add(1)
				go func() {
					defer d.wg.Done()
					resp, err := d.interceptor.RoundTrip(fe.Request)
					env.reply <- Result{Response: resp, Err: err}
				}()
				continue
			}
			select {
			case d.wakes <- env:
			case <-d.stopCh:
				env.reply <- Result{Err: ErrDispatcherClosed}
				return
			}
		}
	}
}

func (d *Dispatcher) wakeLoop() {
	for {
		select {
		case <-d.stopCh:
			return
		case env := <-d.wakes:
			r := d.handle(env.ctx, env.ev)
			if r.Err != nil {
				d.log.Warn("wake left unacknowledged", "event", env.ev.eventName(), "error", r.Err)
			}
			env.reply <- r
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev Event) Result {
	switch e := ev.(type) {
	case InstallEvent:
		return Result{Err: d.lifecycle.Install(ctx, e.Version)}
	case ActivateEvent:
		return Result{Err: d.lifecycle.Activate(ctx)}
	case CollectGarbageEvent:
		return Result{Err: d.lifecycle.CollectGarbage(ctx)}
	case SyncEvent:
		return Result{Err: d.background.Sync(ctx, e.Tag)}
	case PushEvent:
		n, err := d.background.Push(ctx, e.Payload)
		return Result{Notification: &n, Err: err}
	case NotificationClickEvent:
		open, err := d.background.NotificationClick(ctx, e.Tag, e.Action)
		return Result{Open: &open, Err: err}
	}
	return Result{Err: fmt.Errorf("unknown event %T", ev)}
}

// Close stops accepting events and waits for running handlers.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}
