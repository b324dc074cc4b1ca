package messagequeue

import "context"

// Nop is a Queue that discards publishes and never delivers. Used when the
// event mirror is disabled by configuration.
type Nop struct{}

func (Nop) Publish(context.Context, string, []byte) error { return nil }

func (Nop) Subscribe(context.Context, string, Handler) (func(), error) {
	return func() {}, nil
}

func (Nop) Drain() error      { return nil }
func (Nop) Close() error      { return nil }
func (Nop) IsConnected() bool { return false }

var _ Queue = Nop{}
