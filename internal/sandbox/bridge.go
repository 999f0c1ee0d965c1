package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"

	lua "github.com/yuin/gopher-lua"
)

// maxDepth bounds recursive table conversion so self-referencing values
// cannot exhaust the host stack.
const maxDepth = 32

var (
	// ErrUnsupportedValueKind is returned when a value has no guest (or host)
	// representation. The stack is left unchanged.
	ErrUnsupportedValueKind = errors.New("unsupported value kind")

	// ErrStackUnderflow is returned when Pop addresses a slot that does not exist.
	ErrStackUnderflow = errors.New("stack underflow")
)

// Null is the guest-visible null. It differs from nil, which marks an absent value.
var Null = null{}

type null struct{}

func (null) String() string { return "null" }

// HostFunc is a host function callable from guest code. Arguments arrive
// in call order; every returned value is pushed back to the guest, so a
// guest may destructure several results. A non-nil error is raised as a
// guest error at the calling line.
//
// ctx is only valid for the duration of the call. Work that outlives the
// call must not keep it.
type HostFunc func(ctx context.Context, args ...any) ([]any, error)

// Bridge converts values between the host and one interpreter state. Push
// and Pop are the only operations that touch the guest stack.
type Bridge struct {
	L      *lua.LState
	box    *Sandbox
	null   *lua.LUserData
	array  *lua.LTable
	logger *slog.Logger
}

func newBridge(box *Sandbox, L *lua.LState, logger *slog.Logger) *Bridge {
	b := &Bridge{
		L:      L,
		box:    box,
		null:   L.NewUserData(),
		array:  L.NewTable(),
		logger: logger,
	}
	b.null.Value = Null
	return b
}

// Push converts v and pushes it on top of the guest stack.
func (b *Bridge) Push(v any) error {
	lv, err := b.toGuest(v, 0)
	if err != nil {
		return err
	}
	b.L.Push(lv)
	return nil
}

// Pop removes the value at index (1-based, or negative from the top) and
// returns its host representation. On error the stack is unchanged.
//
// Guest numbers are all float64, so a host int comes back as float64.
// Tables the host built from a slice come back as []any even when empty;
// any other empty table comes back as map[string]any.
func (b *Bridge) Pop(index int) (any, error) {
	top := b.L.GetTop()
	if index == 0 || top == 0 || index > top || -index > top {
		return nil, fmt.Errorf("%w: index %d with %d values", ErrStackUnderflow, index, top)
	}
	v, err := b.toHost(b.L.Get(index), 0)
	if err != nil {
		return nil, err
	}
	b.L.Remove(index)
	return v, nil
}

// WrapHost turns fn into a guest callable. name is used in raised errors.
func (b *Bridge) WrapHost(name string, fn HostFunc) *lua.LFunction {
	return b.L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		args := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			v, err := b.toHost(L.Get(i), 0)
			if err != nil {
				logMarshalError(b.logger, name, err)
				v = nil
			}
			args = append(args, v)
		}

		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		results, err := fn(ctx, args...)
		if err != nil {
			L.RaiseError("%s: %s", name, err.Error())
			return 0
		}

		for _, r := range results {
			lv, err := b.toGuest(r, 0)
			if err != nil {
				logMarshalError(b.logger, name, err)
				lv = lua.LNil
			}
			L.Push(lv)
		}
		return len(results)
	})
}

// popResults pops everything above base, in call order.
func (b *Bridge) popResults(base int) []any {
	n := b.L.GetTop() - base
	if n <= 0 {
		return nil
	}
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		v, err := b.Pop(base + 1)
		if err != nil {
			logMarshalError(b.logger, "return", err)
			b.L.Remove(base + 1)
			v = nil
		}
		out = append(out, v)
	}
	return out
}

func (b *Bridge) toGuest(v any, depth int) (lua.LValue, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrUnsupportedValueKind, maxDepth)
	}

	switch t := v.(type) {
	case nil:
		return lua.LNil, nil
	case null:
		return b.null, nil
	case bool:
		return lua.LBool(t), nil
	case string:
		return lua.LString(t), nil
	case int:
		return lua.LNumber(t), nil
	case int8:
		return lua.LNumber(t), nil
	case int16:
		return lua.LNumber(t), nil
	case int32:
		return lua.LNumber(t), nil
	case int64:
		return lua.LNumber(t), nil
	case uint:
		return lua.LNumber(t), nil
	case uint8:
		return lua.LNumber(t), nil
	case uint16:
		return lua.LNumber(t), nil
	case uint32:
		return lua.LNumber(t), nil
	case uint64:
		return lua.LNumber(t), nil
	case float32:
		return lua.LNumber(t), nil
	case float64:
		return lua.LNumber(t), nil
	case HostFunc:
		return b.WrapHost("host", t), nil
	case func(context.Context, ...any) ([]any, error):
		return b.WrapHost("host", t), nil
	case *GuestFunction:
		if t.box != b.box {
			return nil, fmt.Errorf("%w: guest function belongs to another sandbox", ErrUnsupportedValueKind)
		}
		return t.fn, nil
	case lua.LValue:
		return t, nil
	case []any:
		tbl := b.newArray()
		for _, item := range t {
			lv, err := b.toGuest(item, depth+1)
			if err != nil {
				return nil, err
			}
			tbl.Append(lv)
		}
		return tbl, nil
	case map[string]any:
		tbl := b.L.NewTable()
		for k, item := range t {
			lv, err := b.toGuest(item, depth+1)
			if err != nil {
				return nil, err
			}
			tbl.RawSetString(k, lv)
		}
		return tbl, nil
	}

	// Typed slices and string-keyed maps (e.g. []string from config).
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		tbl := b.newArray()
		for i := 0; i < rv.Len(); i++ {
			lv, err := b.toGuest(rv.Index(i).Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			tbl.Append(lv)
		}
		return tbl, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		tbl := b.L.NewTable()
		iter := rv.MapRange()
		for iter.Next() {
			lv, err := b.toGuest(iter.Value().Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			tbl.RawSetString(iter.Key().String(), lv)
		}
		return tbl, nil
	}

	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValueKind, v)
}

func (b *Bridge) toHost(lv lua.LValue, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrUnsupportedValueKind, maxDepth)
	}

	switch t := lv.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(t), nil
	case lua.LNumber:
		return float64(t), nil
	case lua.LString:
		return string(t), nil
	case *lua.LFunction:
		return &GuestFunction{fn: t, box: b.box}, nil
	case *lua.LUserData:
		if t == b.null {
			return Null, nil
		}
	case *lua.LTable:
		return b.tableToHost(t, depth)
	}

	return nil, fmt.Errorf("%w: guest %s", ErrUnsupportedValueKind, lv.Type().String())
}

// newArray returns a table marked as built from a host slice.
func (b *Bridge) newArray() *lua.LTable {
	tbl := b.L.NewTable()
	b.L.SetMetatable(tbl, b.array)
	return tbl
}

// tableToHost returns []any for sequences 1..n and for empty tables built
// from a host slice, and map[string]any otherwise.
func (b *Bridge) tableToHost(t *lua.LTable, depth int) (any, error) {
	keys := 0
	t.ForEach(func(_, _ lua.LValue) { keys++ })

	if keys == 0 && b.L.GetMetatable(t) == b.array {
		return []any{}, nil
	}
	if n := t.MaxN(); n > 0 && n == keys {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			v, err := b.toHost(t.RawGetInt(i), depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}

	out := make(map[string]any, keys)
	var convErr error
	t.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		hv, err := b.toHost(v, depth+1)
		if err != nil {
			convErr = err
			return
		}
		out[keyString(k)] = hv
	})
	if convErr != nil {
		return nil, convErr
	}
	return out, nil
}

func keyString(k lua.LValue) string {
	if n, ok := k.(lua.LNumber); ok {
		return strconv.FormatFloat(float64(n), 'f', -1, 64)
	}
	return k.String()
}

// GuestFunction is a guest function held by the host. Calls are serialised
// with every other use of the owning sandbox.
type GuestFunction struct {
	fn  *lua.LFunction
	box *Sandbox
}

// Invoke calls the guest function in protected mode and returns every
// value it returned. A guest error is returned as *GuestError.
func (g *GuestFunction) Invoke(ctx context.Context, args ...any) ([]any, error) {
	var results []any
	err := g.box.run(ctx, func(b *Bridge) error {
		L := b.L
		base := L.GetTop()
		L.Push(g.fn)
		for _, a := range args {
			if err := b.Push(a); err != nil {
				L.SetTop(base)
				return err
			}
		}
		if err := L.PCall(len(args), lua.MultRet, nil); err != nil {
			L.SetTop(base)
			return newGuestError(err, g.box.chunkName)
		}
		results = b.popResults(base)
		return nil
	})
	return results, err
}

// Call is Invoke with failures logged and reported as no value.
func (g *GuestFunction) Call(ctx context.Context, args ...any) []any {
	results, err := g.Invoke(ctx, args...)
	if err != nil {
		logCallError(g.box.logger, err)
		return nil
	}
	return results
}
