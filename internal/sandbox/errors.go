package sandbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// GuestErrorKind categorizes guest failures.
type GuestErrorKind string

const (
	GuestErrorSyntax  GuestErrorKind = "syntax"
	GuestErrorRuntime GuestErrorKind = "runtime"
	GuestErrorTimeout GuestErrorKind = "timeout"
)

var (
	// runtimeLine matches the ":<line>:" position every runtime error carries.
	runtimeLine = regexp.MustCompile(`:(\d+):`)
	// syntaxLine matches the parser's "line:<n>(column:<m>)" position.
	syntaxLine = regexp.MustCompile(`line:(\d+)\(column:\d+\)`)
)

// GuestError is an error raised by guest code. Message is the raw guest
// message; when a line is known it embeds it as ":<line>:".
type GuestError struct {
	Kind    GuestErrorKind
	Message string
	Line    int // 1-based, 0 when unknown
	Trace   string
}

func (e *GuestError) Error() string {
	return e.Message
}

func newGuestError(err error, chunkName string) *GuestError {
	ge := &GuestError{Kind: GuestErrorRuntime, Message: err.Error()}

	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		if apiErr.Object != nil {
			ge.Message = apiErr.Object.String()
		}
		ge.Trace = apiErr.StackTrace
		if apiErr.Type == lua.ApiErrorSyntax {
			ge.Kind = GuestErrorSyntax
		}
		if apiErr.Cause != nil && errors.Is(apiErr.Cause, context.DeadlineExceeded) {
			ge.Kind = GuestErrorTimeout
		}
	}
	if strings.Contains(ge.Message, context.DeadlineExceeded.Error()) {
		ge.Kind = GuestErrorTimeout
	}

	if m := runtimeLine.FindStringSubmatch(ge.Message); m != nil {
		ge.Line, _ = strconv.Atoi(m[1])
		return ge
	}

	// Parser errors use their own position format; rewrite them so every
	// guest error carries ":<line>:".
	if m := syntaxLine.FindStringSubmatch(ge.Message); m != nil {
		ge.Line, _ = strconv.Atoi(m[1])
		ge.Kind = GuestErrorSyntax
		ge.Message = fmt.Sprintf("%s:%d: %s", chunkName, ge.Line, strings.TrimSpace(ge.Message))
	}
	return ge
}

// UnknownLibraryError is returned by New when SecurityLimits names a
// library the sandbox does not know.
type UnknownLibraryError struct {
	Name string
}

func (e *UnknownLibraryError) Error() string {
	return "unknown guest library: " + e.Name
}
