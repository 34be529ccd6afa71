// Package router is the Change Router: it watches `listener_rules` rows
// (declarative "when table T changes, enqueue job J" bindings, shared
// schema) and, for each active rule, opens a Postgres LISTEN subscription
// against the owning workspace's row-change channel, translating matching
// notifications into scheduler.Enqueue calls.
//
// Grounded on the teacher's pkg/events.NotifyListener: a single-owner
// goroutine per pgx.Conn, LISTEN/UNLISTEN serialized through a command
// channel to avoid concurrent conn access, and generation counters
// protecting against stale UNLISTENs racing a fresh LISTEN. Generalized
// from "one fixed channel set feeding a WebSocket fan-out" to "one stream
// per workspace owning N declarative rules, feeding the Scheduler" per
// spec.md §9.
package router

import (
	"context"

	"github.com/brandsignal/batchworks/pkg/jobnames"
	"github.com/brandsignal/batchworks/pkg/scheduler"
	"github.com/brandsignal/batchworks/pkg/store"
)

// Enqueuer is the subset of scheduler.Scheduler the router depends on,
// kept as an interface so router tests don't need a live job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, name jobnames.Name, payload any, opts scheduler.EnqueueOptions) error
}

// RowChange is one decoded row_changes_<schema> NOTIFY payload.
type RowChange struct {
	Schema string          `json:"schema"`
	Table  string          `json:"table"`
	Op     string          `json:"op"`
	Row    map[string]any  `json:"row"`
}

// matches reports whether this change satisfies a rule's table, operation
// and field-equality filter.
func (c RowChange) matches(rule store.ListenerRule) bool {
	if c.Table != rule.TargetTable {
		return false
	}
	if len(rule.Operations) > 0 && !containsOp(rule.Operations, c.Op) {
		return false
	}
	for field, want := range rule.Filter {
		got, ok := c.Row[field]
		if !ok {
			return false
		}
		if !equalJSON(got, want) {
			return false
		}
	}
	return true
}

func containsOp(ops []string, op string) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

// equalJSON compares two values as decoded from JSON (so numbers are
// float64, etc.) using a simple equality check sufficient for the scalar
// filter values listener rules are expected to carry.
func equalJSON(a, b any) bool {
	return a == b
}
