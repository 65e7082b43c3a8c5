package sync

import "context"

// Hooks lets a collaborator observe pushes, e.g. for auth or telemetry.
// BeforePush runs before any mutation; a non-nil error aborts the push.
// AfterPush runs after the ack and must not block for long.
type Hooks interface {
	BeforePush(ctx context.Context, storeID string, batch []Event) error
	AfterPush(ctx context.Context, storeID string, appended int)
}

// NoopHooks is used when no hooks are provided.
type NoopHooks struct{}

func (NoopHooks) BeforePush(context.Context, string, []Event) error { return nil }
func (NoopHooks) AfterPush(context.Context, string, int)            {}
