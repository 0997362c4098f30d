// Package rules defines the narrow contract the orchestrator consumes
// from the rules engine (spec §1 non-goal: "no rule language design").
// The compiled rule representation and its parser live entirely outside
// this core; this package only names the interface the orchestrator
// calls into.
package rules

import (
	"context"

	"github.com/smazurov/devcore/internal/eventctx"
)

// Executor applies a compiled rule set to one event, mutating ec in
// place: property assignments, symlink/ownership declarations, run-list
// entries, and naming decisions all land on ec (spec §4 C4).
type Executor interface {
	Apply(ctx context.Context, ec *eventctx.EventContext) error
}

// ExecutorFunc adapts a plain function to Executor, the way the teacher's
// handler-registration code adapts bare funcs to interfaces elsewhere.
type ExecutorFunc func(ctx context.Context, ec *eventctx.EventContext) error

func (f ExecutorFunc) Apply(ctx context.Context, ec *eventctx.EventContext) error {
	return f(ctx, ec)
}

// NoOp is a rule executor that does nothing, useful for components that
// don't yet have a rules engine wired in (e.g. the minimal cmd/devcored
// demo entry point).
var NoOp Executor = ExecutorFunc(func(context.Context, *eventctx.EventContext) error { return nil })
