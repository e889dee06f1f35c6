package keyvalue

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/spindle-run/spindle/pkg/engine"
	"github.com/spindle-run/spindle/pkg/kv"
)

// Host module names. Both versions project onto the same instance state; the
// legacy module differs only in how absence and errors surface to the guest.
const (
	hostModuleV1 = "spin_key_value"
	hostModuleV2 = "spin_key_value_v2"
)

// Guest-visible error codes.
const (
	codeOK             uint32 = 0
	codeNoSuchStore    uint32 = 1
	codeAccessDenied   uint32 = 2
	codeInvalidStore   uint32 = 3
	codeStoreTableFull uint32 = 4
	codeNoSuchKey      uint32 = 5
	codeIO             uint32 = 6
)

func errorCode(err error) uint32 {
	var se *kv.StoreError
	if !errors.As(err, &se) {
		return codeIO
	}
	switch se.Kind {
	case kv.ErrNoSuchStore:
		return codeNoSuchStore
	case kv.ErrAccessDenied:
		return codeAccessDenied
	case kv.ErrInvalidStore:
		return codeInvalidStore
	case kv.ErrStoreTableFull:
		return codeStoreTableFull
	case kv.ErrNoSuchKey:
		return codeNoSuchKey
	default:
		return codeIO
	}
}

func writeFailure(ctx context.Context, mod api.Module, retPtr uint32, err error) {
	_ = engine.WriteError(ctx, mod, retPtr, errorCode(err), err.Error())
}

// registerV2 registers the current key-value interface. get encodes absence
// with a one-byte presence prefix instead of an error.
func registerV2(b wazero.HostModuleBuilder) {
	b.NewFunctionBuilder().WithFunc(hostOpen).Export("open")
	b.NewFunctionBuilder().WithFunc(hostGetV2).Export("get")
	b.NewFunctionBuilder().WithFunc(hostSet).Export("set")
	b.NewFunctionBuilder().WithFunc(hostDelete).Export("delete")
	b.NewFunctionBuilder().WithFunc(hostExists).Export("exists")
	b.NewFunctionBuilder().WithFunc(hostGetKeys).Export("get_keys")
	b.NewFunctionBuilder().WithFunc(hostClose).Export("close")
}

// registerV1 registers the legacy interface: identical surface, but a missing
// key fails get with no-such-key.
func registerV1(b wazero.HostModuleBuilder) {
	b.NewFunctionBuilder().WithFunc(hostOpen).Export("open")
	b.NewFunctionBuilder().WithFunc(hostGetV1).Export("get")
	b.NewFunctionBuilder().WithFunc(hostSet).Export("set")
	b.NewFunctionBuilder().WithFunc(hostDelete).Export("delete")
	b.NewFunctionBuilder().WithFunc(hostExists).Export("exists")
	b.NewFunctionBuilder().WithFunc(hostGetKeys).Export("get_keys")
	b.NewFunctionBuilder().WithFunc(hostClose).Export("close")
}

// hostOpen opens a labeled store. Success payload is the handle as u32 LE.
func hostOpen(ctx context.Context, mod api.Module, labelPtr, labelLen, retPtr uint32) {
	inst, err := instanceFromContext(ctx)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeIO, err.Error())
		return
	}
	label, err := engine.ReadString(mod, labelPtr, labelLen)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeIO, err.Error())
		return
	}
	handle, err := inst.OpenStore(ctx, label)
	if err != nil {
		writeFailure(ctx, mod, retPtr, err)
		return
	}
	payload := binary.LittleEndian.AppendUint32(nil, handle)
	_ = engine.WriteOK(ctx, mod, retPtr, payload)
}

// hostGetV2 reads a key. Success payload is a presence byte (0 or 1)
// followed by the value when present.
func hostGetV2(ctx context.Context, mod api.Module, handle, keyPtr, keyLen, retPtr uint32) {
	inst, store, key, ok := resolveStoreKey(ctx, mod, handle, keyPtr, keyLen, retPtr)
	if !ok {
		return
	}
	inst.recordOp(ctx, "get", handle)
	value, present, err := store.Get(ctx, key)
	if err != nil {
		writeFailure(ctx, mod, retPtr, err)
		return
	}
	if !present {
		_ = engine.WriteOK(ctx, mod, retPtr, []byte{0})
		return
	}
	payload := make([]byte, 1+len(value))
	payload[0] = 1
	copy(payload[1:], value)
	_ = engine.WriteOK(ctx, mod, retPtr, payload)
}

// hostGetV1 reads a key; absence is the no-such-key error.
func hostGetV1(ctx context.Context, mod api.Module, handle, keyPtr, keyLen, retPtr uint32) {
	inst, store, key, ok := resolveStoreKey(ctx, mod, handle, keyPtr, keyLen, retPtr)
	if !ok {
		return
	}
	inst.recordOp(ctx, "get", handle)
	value, present, err := store.Get(ctx, key)
	if err != nil {
		writeFailure(ctx, mod, retPtr, err)
		return
	}
	if !present {
		_ = engine.WriteError(ctx, mod, retPtr, codeNoSuchKey, key)
		return
	}
	_ = engine.WriteOK(ctx, mod, retPtr, value)
}

func hostSet(ctx context.Context, mod api.Module, handle, keyPtr, keyLen, valPtr, valLen, retPtr uint32) {
	inst, store, key, ok := resolveStoreKey(ctx, mod, handle, keyPtr, keyLen, retPtr)
	if !ok {
		return
	}
	inst.recordOp(ctx, "set", handle)
	value, err := engine.ReadBytes(mod, valPtr, valLen)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeIO, err.Error())
		return
	}
	if err := store.Set(ctx, key, value); err != nil {
		writeFailure(ctx, mod, retPtr, err)
		return
	}
	_ = engine.WriteOK(ctx, mod, retPtr, nil)
}

func hostDelete(ctx context.Context, mod api.Module, handle, keyPtr, keyLen, retPtr uint32) {
	inst, store, key, ok := resolveStoreKey(ctx, mod, handle, keyPtr, keyLen, retPtr)
	if !ok {
		return
	}
	inst.recordOp(ctx, "delete", handle)
	if err := store.Delete(ctx, key); err != nil {
		writeFailure(ctx, mod, retPtr, err)
		return
	}
	_ = engine.WriteOK(ctx, mod, retPtr, nil)
}

// hostExists reports key presence as a single payload byte.
func hostExists(ctx context.Context, mod api.Module, handle, keyPtr, keyLen, retPtr uint32) {
	inst, store, key, ok := resolveStoreKey(ctx, mod, handle, keyPtr, keyLen, retPtr)
	if !ok {
		return
	}
	inst.recordOp(ctx, "exists", handle)
	present, err := store.Exists(ctx, key)
	if err != nil {
		writeFailure(ctx, mod, retPtr, err)
		return
	}
	payload := []byte{0}
	if present {
		payload[0] = 1
	}
	_ = engine.WriteOK(ctx, mod, retPtr, payload)
}

// hostGetKeys returns every key as a length-prefixed list: u32 LE count,
// then u32 LE length and bytes per key.
func hostGetKeys(ctx context.Context, mod api.Module, handle, retPtr uint32) {
	inst, err := instanceFromContext(ctx)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeIO, err.Error())
		return
	}
	store, err := inst.Store(handle)
	if err != nil {
		writeFailure(ctx, mod, retPtr, err)
		return
	}
	inst.recordOp(ctx, "get_keys", handle)
	keys, err := store.GetKeys(ctx)
	if err != nil {
		writeFailure(ctx, mod, retPtr, err)
		return
	}
	payload := encodeStringList(keys)
	_ = engine.WriteOK(ctx, mod, retPtr, payload)
}

func hostClose(ctx context.Context, mod api.Module, handle, retPtr uint32) {
	inst, err := instanceFromContext(ctx)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeIO, err.Error())
		return
	}
	if err := inst.CloseStore(handle); err != nil {
		writeFailure(ctx, mod, retPtr, err)
		return
	}
	_ = engine.WriteOK(ctx, mod, retPtr, nil)
}

func resolveStoreKey(ctx context.Context, mod api.Module, handle, keyPtr, keyLen, retPtr uint32) (*Instance, kv.Store, string, bool) {
	inst, err := instanceFromContext(ctx)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeIO, err.Error())
		return nil, nil, "", false
	}
	store, err := inst.Store(handle)
	if err != nil {
		writeFailure(ctx, mod, retPtr, err)
		return nil, nil, "", false
	}
	key, err := engine.ReadString(mod, keyPtr, keyLen)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeIO, err.Error())
		return nil, nil, "", false
	}
	return inst, store, key, true
}

func encodeStringList(items []string) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(items)))
	for _, item := range items {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(item)))
		out = append(out, item...)
	}
	return out
}
