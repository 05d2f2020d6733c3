package actor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hive/pkg/transport"
)

type echoActor struct {
	Base
	initCalled   bool
	deinitCalled bool
}

func (a *echoActor) Init(params map[string]any) error {
	a.initCalled = true
	a.Handle("echo", func(req map[string]any) any {
		return map[string]any{"status": "ok", "data": map[string]any{"value": req["value"]}}
	})
	return nil
}

func (a *echoActor) Deinit() { a.deinitCalled = true }

func startTestActor(t *testing.T, a Actor) *Runtime {
	t.Helper()
	rt := NewRuntime("uid-1", "realm-1", "cat-1", nil)
	started := make(chan error, 1)
	go func() { started <- rt.Start(a, "127.0.0.1:0", nil) }()

	require.Eventually(t, func() bool { return rt.Addr() != "" }, time.Second, time.Millisecond)
	t.Cleanup(func() {
		rt.Stop()
		<-started
	})
	return rt
}

func TestDispatchRoutesToHandler(t *testing.T) {
	a := &echoActor{}
	rt := startTestActor(t, a)

	client, err := transport.Dial(rt.Addr())
	require.NoError(t, err)
	defer client.Close()

	reply, err := client.Request(transport.Message{"req": "echo", "value": "hi"}, time.Second)
	require.NoError(t, err)
	data, _ := reply["data"].(map[string]any)
	assert.Equal(t, "hi", data["value"])
	assert.True(t, a.initCalled)
}

func TestUnknownRequestType(t *testing.T) {
	a := &echoActor{}
	rt := startTestActor(t, a)

	client, err := transport.Dial(rt.Addr())
	require.NoError(t, err)
	defer client.Close()

	reply, err := client.Request(transport.Message{"req": "nope"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "error", reply["status"])
	assert.Equal(t, "request type not supported by actor", reply["error"])
}

type panicActor struct {
	Base
}

func (a *panicActor) Init(map[string]any) error {
	a.Handle("boom", func(req map[string]any) any {
		panic("kaboom")
	})
	return nil
}

func TestPanicRecoveredAsException(t *testing.T) {
	a := &panicActor{}
	rt := startTestActor(t, a)

	client, err := transport.Dial(rt.Addr())
	require.NoError(t, err)
	defer client.Close()

	reply, err := client.Request(transport.Message{"req": "boom"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "error", reply["status"])
	assert.Equal(t, "exception", reply["error"])
}

func TestConcurrencyBoundDefaultsToOne(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 2)

	rt := NewRuntime("uid-2", "realm-1", "cat-1", nil)
	started := make(chan error, 1)
	go func() {
		started <- rt.Start(&struct{ Base }{}, "127.0.0.1:0", nil)
	}()

	require.Eventually(t, func() bool { return rt.Addr() != "" }, time.Second, time.Millisecond)
	rt.handle("block", func(req map[string]any) any {
		entered <- struct{}{}
		<-release
		return map[string]any{"status": "ok"}
	})

	c1, err := transport.Dial(rt.Addr())
	require.NoError(t, err)
	defer c1.Close()
	c2, err := transport.Dial(rt.Addr())
	require.NoError(t, err)
	defer c2.Close()

	go func() { _, _ = c1.Request(transport.Message{"req": "block"}, 2 * time.Second) }()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("first request never entered handler")
	}

	done := make(chan struct{})
	go func() {
		_, _ = c2.Request(transport.Message{"req": "block"}, 2 * time.Second)
		close(done)
	}()

	select {
	case <-entered:
		t.Fatal("second request entered handler before concurrency was raised")
	case <-time.After(100 * time.Millisecond):
	}

	rt.addConcurrentHandler()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("second request never entered handler after raising concurrency")
	}

	close(release)
	<-done
	rt.Stop()
	<-started
}
