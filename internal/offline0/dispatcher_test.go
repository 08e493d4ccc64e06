package offline0

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, f *fixture) (*Dispatcher, *Background) {
	t.Helper()
	bg, _, _ := newTestBackground(t)
	d := NewDispatcher(f.lifecycle, f.interceptor, bg, discardLogger())
	t.Cleanup(d.Close)
	return d, bg
}

func TestDispatcherLifecycleWakes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"/"}, "", LifecycleOptions{})
	f.origin.set("/", "home")
	d, _ := newTestDispatcher(t, f)

	res := d.Dispatch(ctx, ActivateEvent{})
	assert.ErrorIs(t, res.Err, ErrNothingWaiting)

	require.NoError(t, d.Dispatch(ctx, InstallEvent{Version: "v1"}).Err)
	require.NoError(t, d.Dispatch(ctx, ActivateEvent{}).Err)
	assert.Equal(t, "v1", f.lifecycle.ActiveVersion())
	require.NoError(t, d.Dispatch(ctx, CollectGarbageEvent{}).Err)

	f.origin.down.Store(true)
	assert.ErrorIs(t, d.Dispatch(ctx, InstallEvent{Version: "v2"}).Err, ErrInstallIncomplete)
	assert.Equal(t, "v1", f.lifecycle.ActiveVersion())
}

func TestDispatcherBackgroundWakes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, "", LifecycleOptions{})
	d, bg := newTestDispatcher(t, f)

	bg.Queue().Register("outbox", SyncFunc(func(context.Context, string) error { return errors.New("offline") }))
	bg.Queue().Enqueue("outbox")
	assert.ErrorIs(t, d.Dispatch(ctx, SyncEvent{Tag: "outbox"}).Err, ErrSyncJobFailure)

	res := d.Dispatch(ctx, PushEvent{Payload: []byte("hello")})
	require.NoError(t, res.Err)
	require.NotNil(t, res.Notification)
	assert.Equal(t, "hello", res.Notification.Body)

	res = d.Dispatch(ctx, NotificationClickEvent{Tag: res.Notification.Tag})
	require.NoError(t, res.Err)
	require.NotNil(t, res.Open)
	assert.Equal(t, "/", res.Open.URL)
}

func TestDispatcherFetch(t *testing.T) {
	f := installed(t, []string{"/"}, "", map[string]string{"/": "home"})
	d, _ := newTestDispatcher(t, f)

	req, err := http.NewRequest(http.MethodGet, f.origin.url("/"), nil)
	require.NoError(t, err)
	resp, err := d.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "home", readBody(t, resp))

	f.origin.down.Store(true)
	resp, err = d.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "cache", resp.Header.Get(HeaderSource))
	assert.Equal(t, "home", readBody(t, resp))
}

func TestDispatcherFetchesDoNotWaitForWakes(t *testing.T) {
	f := installed(t, []string{"/"}, "", map[string]string{"/": "home"})
	d, bg := newTestDispatcher(t, f)

	release := make(chan struct{})
	started := make(chan struct{})
	bg.Queue().Register("slow", SyncFunc(func(context.Context, string) error {
		close(started)
		<-release
		return nil
	}))
	bg.Queue().Enqueue("slow")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, d.Dispatch(context.Background(), SyncEvent{Tag: "slow"}).Err)
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequest(http.MethodGet, f.origin.url("/"), nil)
	require.NoError(t, err)
	resp, err := d.Fetch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "home", readBody(t, resp))

	close(release)
	wg.Wait()
}

func TestDispatcherHonorsContext(t *testing.T) {
	f := newFixture(t, nil, "", LifecycleOptions{})
	d, bg := newTestDispatcher(t, f)

	release := make(chan struct{})
	defer close(release)
	bg.Queue().Register("slow", SyncFunc(func(context.Context, string) error {
		<-release
		return nil
	}))
	bg.Queue().Enqueue("slow")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := d.Dispatch(ctx, SyncEvent{Tag: "slow"})
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestDispatcherClosed(t *testing.T) {
	f := newFixture(t, nil, "", LifecycleOptions{})
	bg, _, _ := newTestBackground(t)
	d := NewDispatcher(f.lifecycle, f.interceptor, bg, discardLogger())
	d.Close()
	d.Close()

	res := d.Dispatch(context.Background(), PushEvent{Payload: []byte("x")})
	assert.ErrorIs(t, res.Err, ErrDispatcherClosed)
}
