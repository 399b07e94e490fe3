package rendergraph

import (
	"fmt"
	"strings"

	"github.com/spaghettifunk/crude/engine/core"
)

// ParseError reports a render graph description that cannot be built.
// Offset is the byte offset reported by the JSON decoder, or -1.
type ParseError struct {
	Path   string
	Offset int64
	Pass   string
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("render graph")
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if e.Offset >= 0 {
		fmt.Fprintf(&b, " at offset %d", e.Offset)
	}
	if e.Pass != "" {
		fmt.Fprintf(&b, " pass %q", e.Pass)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ParseError) Unwrap() []error {
	if e.Err != nil {
		return []error{core.ErrParse, e.Err}
	}
	return []error{core.ErrParse}
}

func parseErrorf(pass string, format string, args ...any) *ParseError {
	return &ParseError{Offset: -1, Pass: pass, Msg: fmt.Sprintf(format, args...)}
}

// CycleError names the passes of a dependency cycle, first pass repeated at the end.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return "render graph has a cycle: " + strings.Join(e.Nodes, " -> ")
}

func (e *CycleError) Unwrap() error {
	return core.ErrParse
}

// NotReadyError means a pass input has no valid contents yet. The executor
// skips the pass for the current frame.
type NotReadyError struct {
	Node     string
	Resource string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("pass %q: input %q not ready", e.Node, e.Resource)
}

func (e *NotReadyError) Unwrap() error {
	return core.ErrResourceNotReady
}
