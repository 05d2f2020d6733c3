package actor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cuemby/hive/pkg/envelope"
	"github.com/cuemby/hive/pkg/handle"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/transport"
)

// Actor is the minimal contract a user-defined actor implements. Actors
// embed Base, which satisfies this interface; user code never
// implements bindRuntime directly.
type Actor interface {
	bindRuntime(rt *Runtime)
}

// Initializer is implemented by actors that need setup before serving
// requests. Detected by type assertion — not required by Actor.
type Initializer interface {
	Init(params map[string]any) error
}

// Deinitializer is implemented by actors that need cleanup after their
// last handler has returned. Detected by type assertion.
type Deinitializer interface {
	Deinit()
}

// HandlerFunc processes one request for an actor and returns a value to
// be normalized into a reply. Supported return types: *envelope.Envelope,
// map[string]any, bool, string (an error kind), nil, or error. Returning
// context.Canceled (or an error wrapping it) aborts the connection
// without a reply, letting an in-flight caller observe the actor
// stopping rather than receiving a stale success.
type HandlerFunc func(req map[string]any) any

// Base is embedded by every user actor. It forwards the runtime
// operations an actor body needs without exposing the runtime's
// internals directly.
type Base struct {
	rt *Runtime
}

func (b *Base) bindRuntime(rt *Runtime) { b.rt = rt }

// Handle registers a handler for one request type. Call this from
// Init. Registering the same request type twice replaces the previous
// handler.
func (b *Base) Handle(reqType string, fn HandlerFunc) { b.rt.handle(reqType, fn) }

// AddConcurrentHandler raises by one the number of requests this actor
// may process at the same time. Actors start with a concurrency of 1.
func (b *Base) AddConcurrentHandler() { b.rt.addConcurrentHandler() }

// Schedule runs fn every delay until the actor stops. fn panics are
// recovered and logged, not propagated.
func (b *Base) Schedule(delay time.Duration, fn func()) { b.rt.schedule(delay, fn) }

// GetActorHandle returns a VirtualHandle addressing category within
// this actor's realm.
func (b *Base) GetActorHandle(category string, mode handle.Mode) *handle.VirtualHandle {
	return b.rt.getActorHandle(category, mode)
}

// IsCategoryAvailable reports whether the directory currently knows of
// any actor in category within this actor's realm.
func (b *Base) IsCategoryAvailable(category string) bool {
	return b.rt.isCategoryAvailable(category)
}

// Stop begins graceful shutdown of this actor.
func (b *Base) Stop() { b.rt.Stop() }

// UID returns this actor instance's uid.
func (b *Base) UID() string { return b.rt.uid }

// Realm returns this actor instance's realm.
func (b *Base) Realm() string { return b.rt.realm }

// Category returns this actor instance's category.
func (b *Base) Category() string { return b.rt.category }

const (
	defaultConcurrency = 1
	stopJoinGrace      = 10 * time.Second
)

// Runtime binds one actor instance to a reply socket and drives its
// lifecycle: bind, Init, dispatch, stop, join, Deinit. A Runtime is
// created once per start_actor and discarded on kill_actor.
type Runtime struct {
	uid      string
	realm    string
	category string

	dirEndpoints []string

	socket *transport.ReplySocket

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	sem *semaphore

	ctx    context.Context
	cancel context.CancelFunc

	tasksWG sync.WaitGroup

	handlesMu sync.Mutex
	handles   []*handle.VirtualHandle

	stopOnce sync.Once
}

// NewRuntime creates a Runtime for one actor instance. dirEndpoints is
// the node's local directory IPC endpoint(s), used by GetActorHandle
// and IsCategoryAvailable.
func NewRuntime(uid, realm, category string, dirEndpoints []string) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		uid:          uid,
		realm:        realm,
		category:     category,
		dirEndpoints: dirEndpoints,
		handlers:     make(map[string]HandlerFunc),
		sem:          newSemaphore(defaultConcurrency),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start binds a, optionally running its Init hook, then serves requests
// on bindAddr until Stop is called. It blocks until the actor has fully
// shut down (Init failure returns immediately without ever serving).
func (rt *Runtime) Start(a Actor, bindAddr string, params map[string]any) error {
	a.bindRuntime(rt)

	if init, ok := a.(Initializer); ok {
		if err := init.Init(params); err != nil {
			rt.cancel()
			return fmt.Errorf("actor: init %s/%s/%s: %w", rt.realm, rt.category, rt.uid, err)
		}
	}

	sock, err := transport.Bind(bindAddr, rt.dispatch)
	if err != nil {
		rt.cancel()
		return fmt.Errorf("actor: bind %s: %w", bindAddr, err)
	}
	rt.socket = sock

	<-rt.ctx.Done()

	joined := make(chan struct{})
	go func() {
		rt.tasksWG.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(stopJoinGrace):
		log.WithComponent("actor").Warn().
			Str("uid", rt.uid).
			Msg("scheduled tasks did not stop within grace period")
	}

	if err := rt.socket.Close(); err != nil {
		log.WithComponent("actor").Warn().Err(err).Str("uid", rt.uid).Msg("error closing actor socket")
	}

	rt.handlesMu.Lock()
	for _, h := range rt.handles {
		h.Close()
	}
	rt.handles = nil
	rt.handlesMu.Unlock()

	if deinit, ok := a.(Deinitializer); ok {
		deinit.Deinit()
	}

	return nil
}

// Addr returns the bound endpoint, valid only once Start has entered
// its serve loop.
func (rt *Runtime) Addr() string {
	if rt.socket == nil {
		return ""
	}
	return rt.socket.Addr()
}

// Stop requests graceful shutdown. Safe to call multiple times and
// from any goroutine, including from within a handler.
func (rt *Runtime) Stop() {
	rt.stopOnce.Do(rt.cancel)
}

func (rt *Runtime) handle(reqType string, fn HandlerFunc) {
	rt.handlersMu.Lock()
	defer rt.handlersMu.Unlock()
	rt.handlers[reqType] = fn
}

func (rt *Runtime) addConcurrentHandler() {
	rt.sem.addCapacity(1)
}

func (rt *Runtime) getActorHandle(category string, mode handle.Mode) *handle.VirtualHandle {
	h := handle.New(rt.realm, category, mode, rt.dirEndpoints)
	rt.handlesMu.Lock()
	rt.handles = append(rt.handles, h)
	rt.handlesMu.Unlock()
	return h
}

func (rt *Runtime) isCategoryAvailable(category string) bool {
	for _, ep := range rt.dirEndpoints {
		sock, err := transport.Dial(ep)
		if err != nil {
			continue
		}
		reply, err := sock.Request(transport.Message{"req": "get_dir", "realm": rt.realm, "cat": category}, 5*time.Second)
		sock.Close()
		if err != nil {
			continue
		}
		data, _ := reply["data"].(map[string]any)
		eps, _ := data["endpoints"].(map[string]any)
		return len(eps) > 0
	}
	return false
}

func (rt *Runtime) schedule(delay time.Duration, fn func()) {
	rt.tasksWG.Add(1)
	go func() {
		defer rt.tasksWG.Done()
		ticker := time.NewTicker(delay)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rt.runScheduled(fn)
			case <-rt.ctx.Done():
				return
			}
		}
	}()
}

func (rt *Runtime) runScheduled(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("actor").Error().
				Str("uid", rt.uid).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("scheduled task panicked")
		}
	}()
	fn()
}

// dispatch looks up a handler for req's "req" field, runs it under the
// concurrency semaphore with panic recovery, and normalizes its result
// into a wire reply. Returning nil aborts the connection: the caller
// sees a closed socket rather than a stale reply, which is how a
// cancelled-in-flight request surfaces to a client.
func (rt *Runtime) dispatch(req transport.Message) transport.Message {
	reqType, _ := req["req"].(string)
	if reqType == "" {
		return toMessage(envelope.Error(envelope.ErrInvalidRequest, nil))
	}

	rt.handlersMu.RLock()
	fn, ok := rt.handlers[reqType]
	rt.handlersMu.RUnlock()
	if !ok {
		return toMessage(envelope.Error(envelope.ErrRequestTypeNotSupported, map[string]any{"req": reqType}))
	}

	if err := rt.sem.acquire(rt.ctx); err != nil {
		return nil
	}
	defer rt.sem.release()

	result := rt.invoke(fn, req)
	if result == nil {
		return nil
	}
	return toMessage(result)
}

// invoke runs fn with panic recovery, turning a panic into an
// "exception" envelope carrying the recovered value and a stack trace.
func (rt *Runtime) invoke(fn HandlerFunc, req map[string]any) (result any) {
	defer func() {
		if r := recover(); r != nil {
			result = envelope.Error(envelope.ErrException, map[string]any{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
		}
	}()
	return fn(req)
}

// toMessage normalizes a handler's return value into a wire message.
// nil stays nil (abort, no reply) all the way up through dispatch.
func toMessage(v any) transport.Message {
	switch val := v.(type) {
	case nil:
		return nil
	case transport.Message:
		return val
	case *envelope.Envelope:
		return envelopeToMessage(val)
	case map[string]any:
		return val
	case bool:
		if val {
			return envelopeToMessage(envelope.Success(nil))
		}
		return envelopeToMessage(envelope.Error(envelope.ErrException, nil))
	case string:
		return envelopeToMessage(envelope.Error(val, nil))
	case error:
		if errors.Is(val, context.Canceled) {
			return nil
		}
		return envelopeToMessage(envelope.Error(envelope.ErrException, map[string]any{"message": val.Error()}))
	default:
		return envelopeToMessage(envelope.Error(envelope.ErrException, map[string]any{"message": fmt.Sprintf("unsupported handler result type %T", v)}))
	}
}

func envelopeToMessage(e *envelope.Envelope) transport.Message {
	msg := transport.Message{"status": e.Status}
	if e.Error != "" {
		msg["error"] = e.Error
	}
	if e.Data != nil {
		msg["data"] = e.Data
	}
	return msg
}
