package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// ErrSandboxDisposed is returned by every operation on a disposed sandbox.
var ErrSandboxDisposed = errors.New("sandbox disposed")

// State is the lifecycle state of a Sandbox.
type State string

const (
	StateReady    State = "ready"
	StateDisposed State = "disposed"
)

// Result is the outcome of Execute. Guest failures are reported in Err
// rather than as a Go error so the caller decides whether they are fatal.
type Result struct {
	Values []any
	Err    *GuestError
}

// Value returns the value left on top of the stack, which is the last
// one returned, or nil when the chunk returned nothing.
func (r *Result) Value() any {
	if r == nil || len(r.Values) == 0 {
		return nil
	}
	return r.Values[len(r.Values)-1]
}

// OK reports whether the chunk ran without a guest error.
func (r *Result) OK() bool {
	return r != nil && r.Err == nil
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithLogger sets the logger used for marshalling and guest errors.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = logger }
}

// WithLimits overrides the default security limits.
func WithLimits(limits SecurityLimits) Option {
	return func(s *Sandbox) { s.limits = limits }
}

// WithChunkName sets the name guest errors are reported against.
func WithChunkName(name string) Option {
	return func(s *Sandbox) { s.chunkName = name }
}

// Sandbox owns one interpreter instance. All access to the interpreter is
// serialised; a host function running inside a guest call may re-enter
// the same sandbox through the context it was given.
type Sandbox struct {
	mu        sync.Mutex
	ls        *lua.LState
	bridge    *Bridge
	state     State
	limits    SecurityLimits
	chunkName string
	logger    *slog.Logger

	active atomic.Pointer[runToken]
}

type runToken struct{ box *Sandbox }

type runTokenKey struct{}

// New creates a ready sandbox with the allowed libraries loaded.
func New(opts ...Option) (*Sandbox, error) {
	s := &Sandbox{
		state:     StateReady,
		limits:    GetDefaultSecurityLimits(),
		chunkName: "script",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "sandbox")

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	if err := openLibraries(L, s.limits.AllowedLibraries); err != nil {
		L.Close()
		return nil, err
	}
	s.ls = L
	s.bridge = newBridge(s, L, s.logger)
	L.SetGlobal("null", s.bridge.null)

	LogLifecycle(s.logger, slog.LevelDebug, "Sandbox created",
		slog.Any("libraries", s.limits.AllowedLibraries))
	return s, nil
}

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Inject exposes fn to guest code as the global name. Re-injecting a name
// replaces the previous function.
func (s *Sandbox) Inject(ctx context.Context, name string, fn HostFunc) error {
	return s.run(ctx, func(b *Bridge) error {
		b.L.SetGlobal(name, b.WrapHost(name, fn))
		return nil
	})
}

// SetGlobal converts value and assigns it to the guest global name.
func (s *Sandbox) SetGlobal(ctx context.Context, name string, value any) error {
	return s.run(ctx, func(b *Bridge) error {
		lv, err := b.toGuest(value, 0)
		if err != nil {
			return err
		}
		b.L.SetGlobal(name, lv)
		return nil
	})
}

// Execute runs source once and returns what the chunk returned. Syntax and
// runtime errors raised by the guest are captured in Result.Err; the
// returned error is reserved for host failures such as ErrSandboxDisposed.
func (s *Sandbox) Execute(ctx context.Context, source string) (*Result, error) {
	res := &Result{}
	err := s.run(ctx, func(b *Bridge) error {
		L := b.L
		base := L.GetTop()

		fn, err := L.Load(strings.NewReader(source), s.chunkName)
		if err != nil {
			res.Err = newGuestError(err, s.chunkName)
			return nil
		}

		L.Push(fn)
		if err := L.PCall(0, lua.MultRet, nil); err != nil {
			L.SetTop(base)
			res.Err = newGuestError(err, s.chunkName)
			return nil
		}
		res.Values = b.popResults(base)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		LogGuestError(s.logger, res.Err)
	}
	return res, nil
}

// Bridge runs fn with exclusive access to the value bridge.
func (s *Sandbox) Bridge(ctx context.Context, fn func(b *Bridge) error) error {
	return s.run(ctx, fn)
}

// Dispose closes the interpreter. It is terminal and idempotent.
func (s *Sandbox) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisposed {
		return
	}
	s.ls.Close()
	s.state = StateDisposed
	LogLifecycle(s.logger, slog.LevelDebug, "Sandbox disposed")
}

// run gives fn exclusive use of the interpreter. A context carrying the
// token of the call currently executing in this sandbox is a nested call
// from a host function and runs without re-locking.
func (s *Sandbox) run(ctx context.Context, fn func(b *Bridge) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if tok, ok := ctx.Value(runTokenKey{}).(*runToken); ok && tok.box == s && s.active.Load() == tok {
		return fn(s.bridge)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisposed {
		return ErrSandboxDisposed
	}

	tok := &runToken{box: s}
	runCtx := context.WithValue(ctx, runTokenKey{}, tok)
	if s.limits.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, s.limits.MaxExecutionTime)
		defer cancel()
	}

	s.active.Store(tok)
	s.ls.SetContext(runCtx)
	defer func() {
		s.ls.RemoveContext()
		s.active.Store(nil)
	}()

	return fn(s.bridge)
}

func openLibraries(L *lua.LState, allowed []string) error {
	libs := map[string]lua.LGFunction{
		"base":      lua.OpenBase,
		"table":     lua.OpenTable,
		"string":    lua.OpenString,
		"math":      lua.OpenMath,
		"coroutine": lua.OpenCoroutine,
		"os":        lua.OpenOs,
	}
	libNames := map[string]string{
		"base":      lua.BaseLibName,
		"table":     lua.TabLibName,
		"string":    lua.StringLibName,
		"math":      lua.MathLibName,
		"coroutine": lua.CoroutineLibName,
		"os":        lua.OsLibName,
	}

	for _, name := range allowed {
		open, ok := libs[name]
		if !ok {
			return &UnknownLibraryError{Name: name}
		}
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(open),
			NRet:    0,
			Protect: true,
		}, lua.LString(libNames[name])); err != nil {
			return err
		}
	}

	// Guest code never reads the host filesystem.
	for _, name := range []string{"dofile", "loadfile", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	return nil
}
