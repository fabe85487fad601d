package core

import "context"

// Store is the contract of the shared document store.
// Adhering to this interface keeps the coordination components independent
// of the hosting backend (memory, filesystem, a hosted document database).
type Store interface {
	// Subscribe pushes the full current record to fn on every change,
	// starting with the state at subscription time. Delivery is at-least-once
	// and not ordered across writers; fn must be idempotent.
	Subscribe(ctx context.Context, recordID string, fn func(Record)) (Subscription, error)

	// ReadOnce returns a point-in-time snapshot of the record.
	ReadOnce(ctx context.Context, recordID string) (Record, error)

	// UpdateFields atomically merges fields into the record, creating it if
	// needed. No compare-and-swap is offered.
	UpdateFields(ctx context.Context, recordID string, fields Fields) (WriteResult, error)
}

// Subscription is a live push registration.
type Subscription interface {
	// Unsubscribe stops further pushes. It is safe to call more than once.
	Unsubscribe()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

// Unsubscribe implements Subscription.
func (f SubscriptionFunc) Unsubscribe() { f() }

// Watchable defines stores that can stream change events across records.
type Watchable interface {
	// Watch emits an event for every change to a record whose ID matches pattern.
	Watch(ctx context.Context, pattern string) (<-chan Event, error)
}

// Initializer defines stores that need setup before first use.
type Initializer interface {
	// Initialize ensures the underlying storage is ready (e.g., create directories, git init).
	Initialize(ctx context.Context) error
}
