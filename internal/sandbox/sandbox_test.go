package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSandbox_Lifecycle(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	assert.Equal(t, StateReady, s.State())

	s.Dispose()
	assert.Equal(t, StateDisposed, s.State())

	// Dispose is terminal and may be called again.
	s.Dispose()

	ctx := context.Background()
	_, err = s.Execute(ctx, `return 1`)
	assert.ErrorIs(t, err, ErrSandboxDisposed)

	err = s.Inject(ctx, "noop", func(ctx context.Context, args ...any) ([]any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrSandboxDisposed)

	err = s.SetGlobal(ctx, "config", map[string]any{})
	assert.ErrorIs(t, err, ErrSandboxDisposed)
}

func TestSandbox_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("returns top of stack", func(t *testing.T) {
		s := newTestSandbox(t)
		res, err := s.Execute(ctx, `return "done"`)
		require.NoError(t, err)
		assert.True(t, res.OK())
		assert.Equal(t, "done", res.Value())
	})

	t.Run("value is the top of stack", func(t *testing.T) {
		s := newTestSandbox(t)
		res, err := s.Execute(ctx, `return 1, "two", true`)
		require.NoError(t, err)
		assert.Equal(t, []any{1.0, "two", true}, res.Values)
		assert.Equal(t, true, res.Value())
	})

	t.Run("no value", func(t *testing.T) {
		s := newTestSandbox(t)
		res, err := s.Execute(ctx, `local x = 1`)
		require.NoError(t, err)
		assert.True(t, res.OK())
		assert.Nil(t, res.Value())
		assert.Empty(t, res.Values)
	})

	t.Run("runtime error carries the line", func(t *testing.T) {
		s := newTestSandbox(t)
		res, err := s.Execute(ctx, "local a = 1\nlocal b = 2\nerror('boom')")
		require.NoError(t, err)
		require.NotNil(t, res.Err)
		assert.Equal(t, GuestErrorRuntime, res.Err.Kind)
		assert.Equal(t, 3, res.Err.Line)
		assert.Contains(t, res.Err.Message, ":3:")
		assert.Contains(t, res.Err.Message, "boom")
	})

	t.Run("syntax error carries the line", func(t *testing.T) {
		s := newTestSandbox(t)
		res, err := s.Execute(ctx, "local ok = true\nlocal = ")
		require.NoError(t, err)
		require.NotNil(t, res.Err)
		assert.Equal(t, GuestErrorSyntax, res.Err.Kind)
		assert.Equal(t, 2, res.Err.Line)
		assert.Contains(t, res.Err.Message, ":2:")
	})

	t.Run("sandbox survives a guest error", func(t *testing.T) {
		s := newTestSandbox(t)
		res, err := s.Execute(ctx, `error("first")`)
		require.NoError(t, err)
		require.NotNil(t, res.Err)

		res, err = s.Execute(ctx, `return 2`)
		require.NoError(t, err)
		assert.Equal(t, 2.0, res.Value())
	})
}

func TestSandbox_Timeout(t *testing.T) {
	limits := GetDefaultSecurityLimits()
	limits.MaxExecutionTime = 50 * time.Millisecond

	s, err := New(WithLimits(limits))
	require.NoError(t, err)
	defer s.Dispose()

	res, err := s.Execute(context.Background(), `while true do end`)
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.Equal(t, GuestErrorTimeout, res.Err.Kind)
}

func TestSandbox_Inject(t *testing.T) {
	s := newTestSandbox(t)
	ctx := context.Background()

	first := func(ctx context.Context, args ...any) ([]any, error) { return []any{"first"}, nil }
	second := func(ctx context.Context, args ...any) ([]any, error) { return []any{"second"}, nil }

	require.NoError(t, s.Inject(ctx, "which", first))
	require.NoError(t, s.Inject(ctx, "which", second))

	res, err := s.Execute(ctx, `return which()`)
	require.NoError(t, err)
	assert.Equal(t, "second", res.Value(), "last injection wins")
}

func TestSandbox_SetGlobal(t *testing.T) {
	s := newTestSandbox(t)
	ctx := context.Background()

	cfg := map[string]any{
		"triage": map[string]any{
			"labels": []string{"bug", "needs-triage"},
			"limit":  3,
		},
	}
	require.NoError(t, s.SetGlobal(ctx, "config", cfg))

	res, err := s.Execute(ctx, `return config.triage.labels[2], config.triage.limit`)
	require.NoError(t, err)
	assert.Equal(t, []any{"needs-triage", 3.0}, res.Values)

	err = s.SetGlobal(ctx, "bad", make(chan int))
	assert.ErrorIs(t, err, ErrUnsupportedValueKind)
}

func TestSandbox_RestrictedLibraries(t *testing.T) {
	s := newTestSandbox(t)
	ctx := context.Background()

	res, err := s.Execute(ctx, `return dofile == nil, require == nil, io == nil, os == nil`)
	require.NoError(t, err)
	assert.Equal(t, []any{true, true, true, true}, res.Values)

	res, err = s.Execute(ctx, `return string.upper("ok"), math.max(1, 4)`)
	require.NoError(t, err)
	assert.Equal(t, []any{"OK", 4.0}, res.Values)
}

func TestSandbox_UnknownLibrary(t *testing.T) {
	_, err := New(WithLimits(SecurityLimits{AllowedLibraries: []string{"base", "io"}}))
	var libErr *UnknownLibraryError
	require.ErrorAs(t, err, &libErr)
	assert.Equal(t, "io", libErr.Name)
}

func TestSandbox_NullGlobal(t *testing.T) {
	s := newTestSandbox(t)
	res, err := s.Execute(context.Background(), `return null, nil`)
	require.NoError(t, err)
	assert.Equal(t, []any{Null, nil}, res.Values)
}
