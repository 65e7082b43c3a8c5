package sync

import (
	"encoding/json"
	"strings"

	"github.com/google/cel-go/cel"
)

// eventFilter wraps a compiled CEL program evaluated per pulled event. When
// disabled, Match always returns true.
type eventFilter struct {
	prog    cel.Program
	enabled bool
}

func newEventFilter(expr string) (eventFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return eventFilter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("name", cel.StringType),
		cel.Variable("seq", cel.IntType),
		cel.Variable("parentSeq", cel.IntType),
		cel.Variable("clientId", cel.StringType),
		cel.Variable("sessionId", cel.StringType),
		// Parsed JSON args (map/list/values) for field filtering
		cel.Variable("args", cel.DynType),
	)
	if err != nil {
		return eventFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return eventFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return eventFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return eventFilter{}, err
	}
	return eventFilter{prog: prog, enabled: true}, nil
}

// Filter is a compiled pull filter reusable across pages.
type Filter struct {
	inner eventFilter
}

// NewFilter compiles a CEL filter expression. An empty expression yields a
// filter that keeps everything.
func NewFilter(expr string) (Filter, error) {
	f, err := newEventFilter(expr)
	if err != nil {
		return Filter{}, err
	}
	return Filter{inner: f}, nil
}

// Apply returns the subset of events matching the filter.
func (f Filter) Apply(events []Event) []Event {
	if !f.inner.enabled {
		return events
	}
	kept := make([]Event, 0, len(events))
	for _, ev := range events {
		if f.inner.Match(ev) {
			kept = append(kept, ev)
		}
	}
	return kept
}

// Match evaluates the compiled expression against an event. When disabled,
// returns true; evaluation errors reject the event.
func (f eventFilter) Match(ev Event) bool {
	if !f.enabled {
		return true
	}
	var args any
	if len(ev.Args) > 0 {
		_ = json.Unmarshal(ev.Args, &args)
	}
	out, _, err := f.prog.Eval(map[string]any{
		"name":      ev.Name,
		"seq":       int64(ev.SeqNum),
		"parentSeq": int64(ev.ParentSeqNum),
		"clientId":  ev.ClientID,
		"sessionId": ev.SessionID,
		"args":      args,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
