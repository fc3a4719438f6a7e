package log

import "context"

// NopLogger drops every entry. Components built without a logger fall back to
// it, so it is shared and its methods never allocate.
type NopLogger struct{}

var (
	_ Logger = (*NopLogger)(nil)

	nop = &NopLogger{}
)

func NewNop() Logger { return nop }

func (*NopLogger) Log(context.Context, Level, string, ...Field) {}

//nolint:ireturn
func (n *NopLogger) With(...Field) Logger { return n }

//nolint:ireturn
func (n *NopLogger) WithGroup(string) Logger { return n }

func (*NopLogger) Enabled(Level) bool { return false }

func (*NopLogger) Sync(context.Context) error { return nil }
