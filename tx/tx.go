// Package tx provides the transaction-demarcation capability: one Transact
// call brackets the receive+process+send cycle of a single message, and
// commits the broker session together with an optional external resource.
//
// Commit order is external resource first, broker last. A crash between the
// two re-delivers the message (at-least-once); the external side must
// therefore be idempotent on the message id, which the engine exposes to
// user code.
package tx

import (
	"context"

	"github.com/staale/gomats/broker"
)

// Resources exposes the transactionally scoped resources to user code, keyed
// by name (e.g. "sql.tx").
type Resources struct {
	attrs map[string]any
}

// NewResources creates an empty resource set.
func NewResources() *Resources {
	return &Resources{attrs: make(map[string]any)}
}

// Attribute returns the named resource, nil if unset.
func (r *Resources) Attribute(name string) any {
	return r.attrs[name]
}

// Set binds a resource under a name.
func (r *Resources) Set(name string, v any) {
	r.attrs[name] = v
}

// ProcessingFunc is the work performed inside the transaction.
type ProcessingFunc func(ctx context.Context, res *Resources) error

// Manager brackets message processing in a transaction spanning the broker
// session and any external resource the manager owns.
//
// Contract:
//  1. Acquire the external resource (if any) and expose it via Resources.
//  2. Run fn.
//  3. On success: commit external, then commit the broker session.
//  4. On fn error or commit failure: roll back both and return the error;
//     the broker will redeliver.
type Manager interface {
	Transact(ctx context.Context, sess broker.Session, fn ProcessingFunc) error
}
