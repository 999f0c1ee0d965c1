package tenant

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nfrund/repobot/internal/capability"
)

// Prelude is prepended to every bundle. It pins the capabilities the
// wrappers rely on as locals so a component cannot rebind them for the
// components after it.
const Prelude = "local on, schedule, log, config, null = on, schedule, log, config or {}, null\n"

// PreludeLines is the number of lines Prelude occupies.
const PreludeLines = 1

// Component is one tenant-authored snippet.
type Component struct {
	Name   string
	Source string
}

// Entry is one component's share of a bundle.
type Entry struct {
	Name  string
	Lines int
}

// LineOffsetTable maps bundle lines back to components. It is built by
// Bundle and never changed afterwards.
type LineOffsetTable struct {
	Prelude int
	Entries []Entry
}

// Locate returns the component holding bundle line and the line within
// that component. ok is false for lines in the prelude or past the last
// component.
//
// Each component occupies Lines consecutive lines after the ones before
// it. The first of them carries the wrapper header followed by the
// snippet's first line, so a component-local line equals the snippet's
// own line number.
func (t LineOffsetTable) Locate(line int) (name string, local int, ok bool) {
	start := t.Prelude
	if line <= start {
		return "", 0, false
	}
	for _, e := range t.Entries {
		if line <= start+e.Lines {
			return e.Name, line - start, true
		}
		start += e.Lines
	}
	return "", 0, false
}

// TotalLines is the number of lines of the bundle the table describes.
func (t LineOffsetTable) TotalLines() int {
	n := t.Prelude
	for _, e := range t.Entries {
		n += e.Lines
	}
	return n
}

var lineRef = regexp.MustCompile(`:(\d+):`)

// DecodeError attributes a raw guest error message to a component. The
// message must embed the 1-based bundle line as ":<line>:".
func DecodeError(t LineOffsetTable, message string) *LoadError {
	e := &LoadError{Message: message}
	m := lineRef.FindStringSubmatch(message)
	if m == nil {
		return e
	}
	line, err := strconv.Atoi(m[1])
	if err != nil {
		return e
	}
	if name, local, ok := t.Locate(line); ok {
		e.Component = name
		e.Line = local
	}
	return e
}

// Bundle wraps each component in its own function, concatenates them
// after Prelude and records how many lines each one takes.
//
// A component's snippet runs as
//
//	local <name> = function() local compName='<name>'; local compConfig = config.<name>; <snippet>
//	end; <name>()
//
// so a snippet of k lines takes k+1 bundle lines.
func Bundle(components []Component) (string, LineOffsetTable, error) {
	table := LineOffsetTable{Prelude: PreludeLines}
	var b strings.Builder
	b.WriteString(Prelude)

	seen := make(map[string]bool, len(components))
	for _, c := range components {
		if err := ValidateComponentName(c.Name); err != nil {
			return "", LineOffsetTable{}, err
		}
		if seen[c.Name] {
			return "", LineOffsetTable{}, fmt.Errorf("%w: %q appears twice", ErrInvalidComponentName, c.Name)
		}
		seen[c.Name] = true

		snippet := strings.TrimSuffix(strings.ReplaceAll(c.Source, "\r\n", "\n"), "\n")
		fmt.Fprintf(&b, "local %[1]s = function() local compName='%[1]s'; local compConfig = config.%[1]s; ", c.Name)
		b.WriteString(snippet)
		fmt.Fprintf(&b, "\nend; %s()\n", c.Name)

		table.Entries = append(table.Entries, Entry{
			Name:  c.Name,
			Lines: strings.Count(snippet, "\n") + 2,
		})
	}
	return b.String(), table, nil
}

// IsEmpty reports whether components contain no guest code at all.
func IsEmpty(components []Component) bool {
	for _, c := range components {
		if strings.TrimSpace(c.Source) != "" {
			return false
		}
	}
	return true
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedNames are guest keywords and the names the bundle itself binds.
var reservedNames = map[string]bool{
	"and": true, "break": true, "do": true, "else": true, "elseif": true,
	"end": true, "false": true, "for": true, "function": true, "goto": true,
	"if": true, "in": true, "local": true, "nil": true, "not": true,
	"or": true, "repeat": true, "return": true, "then": true, "true": true,
	"until": true, "while": true,

	"on": true, "schedule": true, "log": true, "config": true, "null": true,
	"tenant": true, "compName": true, "compConfig": true,
}

var capabilityNames = func() map[string]bool {
	names := map[string]bool{}
	for _, n := range capability.Names() {
		names[n] = true
	}
	return names
}()

// ValidateComponentName checks that name can be bound as a guest local
// without shadowing anything the bundle uses.
func ValidateComponentName(name string) error {
	if !identifier.MatchString(name) {
		return fmt.Errorf("%w: %q is not an identifier", ErrInvalidComponentName, name)
	}
	if reservedNames[name] || capabilityNames[name] {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidComponentName, name)
	}
	return nil
}
