package runtime

import (
	"context"

	"github.com/golemcloud/golem-sub021/pkg/types"
)

// SandboxFunc adapts a plain function into a Sandbox. Tests script guests
// with it; the dev binary uses it for the echo guest.
type SandboxFunc func(ctx context.Context, host HostContext, function string, args []byte) ([]byte, error)

type funcSandbox struct {
	fn SandboxFunc
}

func (f *funcSandbox) Invoke(ctx context.Context, host HostContext, function string, args []byte) ([]byte, error) {
	return f.fn(ctx, host, function, args)
}

func (f *funcSandbox) Close() {}

// NewFuncSandbox wraps fn as a Sandbox.
func NewFuncSandbox(fn SandboxFunc) Sandbox {
	return &funcSandbox{fn: fn}
}

// EchoSandboxFactory is a deterministic development guest: every export
// returns its arguments unchanged. Real deployments embed a WebAssembly
// engine behind SandboxFactory; the engine core never compiles components
// itself.
func EchoSandboxFactory(types.WorkerId, uint64, []string, []string) (Sandbox, error) {
	return NewFuncSandbox(func(_ context.Context, _ HostContext, _ string, args []byte) ([]byte, error) {
		return args, nil
	}), nil
}
