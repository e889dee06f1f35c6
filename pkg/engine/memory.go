package engine

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Host ABI conventions shared by all factor host functions.
//
// Guests pass byte buffers as (ptr, len) pairs. Host functions return data
// by allocating guest memory through the guest's "alloc" export (or
// "cabi_realloc" for newer toolchains) and writing a result record at a
// caller-supplied return pointer:
//
//	struct { code u32; ptr u32; len u32 }
//
// code 0 is success; non-zero codes are factor-specific structured errors so
// guests can handle refusals (access-denied, table-full) without trapping.

// ReadBytes copies a guest byte buffer to host memory.
func ReadBytes(mod api.Module, ptr, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("guest memory read out of range: ptr=%d len=%d", ptr, length)
	}
	// Copy: the underlying view is invalidated by guest memory growth.
	out := make([]byte, length)
	copy(out, data)
	return out, nil
}

// ReadString copies a guest string to host memory.
func ReadString(mod api.Module, ptr, length uint32) (string, error) {
	data, err := ReadBytes(mod, ptr, length)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteBytes allocates guest memory via the guest allocator and copies data
// into it, returning the guest pointer.
func WriteBytes(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	alloc := guestAllocator(mod)
	if alloc == nil {
		return 0, fmt.Errorf("guest exports no allocator (alloc or cabi_realloc)")
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("guest allocation failed: %w", err)
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("guest memory write out of range: ptr=%d len=%d", ptr, len(data))
	}
	return ptr, nil
}

// WriteResult writes the (code, ptr, len) result record at retPtr.
func WriteResult(mod api.Module, retPtr, code, ptr, length uint32) error {
	mem := mod.Memory()
	if !mem.WriteUint32Le(retPtr, code) ||
		!mem.WriteUint32Le(retPtr+4, ptr) ||
		!mem.WriteUint32Le(retPtr+8, length) {
		return fmt.Errorf("guest memory write out of range: retPtr=%d", retPtr)
	}
	return nil
}

// WriteError writes an error result record carrying a detail message.
func WriteError(ctx context.Context, mod api.Module, retPtr, code uint32, detail string) error {
	ptr := uint32(0)
	if detail != "" {
		p, err := WriteBytes(ctx, mod, []byte(detail))
		if err != nil {
			// Fall back to a bare code; the guest still observes failure.
			return WriteResult(mod, retPtr, code, 0, 0)
		}
		ptr = p
	}
	return WriteResult(mod, retPtr, code, ptr, uint32(len(detail)))
}

// WriteOK writes a success result record carrying a payload.
func WriteOK(ctx context.Context, mod api.Module, retPtr uint32, payload []byte) error {
	ptr := uint32(0)
	if len(payload) > 0 {
		p, err := WriteBytes(ctx, mod, payload)
		if err != nil {
			return err
		}
		ptr = p
	}
	return WriteResult(mod, retPtr, 0, ptr, uint32(len(payload)))
}

// allocFunc is the call surface WriteBytes needs from a guest allocator.
// Both wazero's exported functions and the realloc adapter satisfy it.
type allocFunc interface {
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

func guestAllocator(mod api.Module) allocFunc {
	if fn := mod.ExportedFunction("alloc"); fn != nil {
		return fn
	}
	if fn := mod.ExportedFunction("cabi_realloc"); fn != nil {
		return &reallocAdapter{fn: fn}
	}
	return nil
}

// reallocAdapter adapts cabi_realloc(old, oldSize, align, newSize) to the
// single-argument alloc shape.
type reallocAdapter struct {
	fn allocFunc
}

func (r *reallocAdapter) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("alloc adapter expects 1 parameter")
	}
	return r.fn.Call(ctx, 0, 0, 1, params[0])
}
