package variables

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/spindle-run/spindle/pkg/engine"
	"github.com/spindle-run/spindle/pkg/expressions"
)

const hostModule = "spin_config"

// Guest-visible error codes.
const (
	codeOK          uint32 = 0
	codeInvalidName uint32 = 1
	codeUndefined   uint32 = 2
	codeProvider    uint32 = 3
)

// varError is a guest-visible variable resolution failure.
type varError struct {
	code   uint32
	detail string
}

func (e *varError) Error() string { return fmt.Sprintf("variables error %d: %s", e.code, e.detail) }

func classifyResolveError(key string, err error) error {
	var expErr *expressions.Error
	if errors.As(err, &expErr) {
		switch expErr.Kind {
		case expressions.ErrInvalidKey:
			return &varError{code: codeInvalidName, detail: key}
		case expressions.ErrUndefined:
			return &varError{code: codeUndefined, detail: key}
		}
	}
	return &varError{code: codeProvider, detail: err.Error()}
}

func registerHost(b wazero.HostModuleBuilder) {
	b.NewFunctionBuilder().WithFunc(hostGet).Export("get_config")
}

func hostGet(ctx context.Context, mod api.Module, keyPtr, keyLen, retPtr uint32) {
	inst, err := instanceFromContext(ctx)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeProvider, err.Error())
		return
	}
	key, err := engine.ReadString(mod, keyPtr, keyLen)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeInvalidName, err.Error())
		return
	}

	value, err := inst.Get(ctx, key)
	if err != nil {
		if ve, ok := err.(*varError); ok {
			_ = engine.WriteError(ctx, mod, retPtr, ve.code, ve.detail)
			return
		}
		_ = engine.WriteError(ctx, mod, retPtr, codeProvider, err.Error())
		return
	}
	_ = engine.WriteOK(ctx, mod, retPtr, []byte(value))
}
