package outbounddb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/spindle-run/spindle/pkg/engine"
)

type hostModuleBuilder = wazero.HostModuleBuilder

// Guest-visible error codes.
const (
	codeOK                    uint32 = 0
	codeInvalidAddress        uint32 = 1
	codeDestinationNotAllowed uint32 = 2
	codeConnectionFailed      uint32 = 3
	codeQueryFailed           uint32 = 4
	codeValueConversion       uint32 = 5
	codeConnectionTableFull   uint32 = 6
	codeInvalidConnection     uint32 = 7
	codeOther                 uint32 = 8
)

// dbError is a guest-visible database failure.
type dbError struct {
	code   uint32
	detail string
}

func (e *dbError) Error() string { return fmt.Sprintf("db error %d: %s", e.code, e.detail) }

func writeDBError(ctx context.Context, mod api.Module, retPtr uint32, err error) {
	if de, ok := err.(*dbError); ok {
		_ = engine.WriteError(ctx, mod, retPtr, de.code, de.detail)
		return
	}
	_ = engine.WriteError(ctx, mod, retPtr, codeOther, err.Error())
}

// rowSet is the JSON payload query returns on success.
type rowSet struct {
	Columns []column        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

type column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// execResult is the JSON payload execute returns on success.
type execResult struct {
	RowsAffected int64 `json:"rows_affected"`
}

func registerHost(b wazero.HostModuleBuilder, flavor Flavor) {
	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, addrPtr, addrLen, retPtr uint32) {
		hostOpen(ctx, mod, flavor, addrPtr, addrLen, retPtr)
	}).Export("open")
	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, handle, stmtPtr, stmtLen, paramsPtr, paramsLen, retPtr uint32) {
		hostQuery(ctx, mod, flavor, handle, stmtPtr, stmtLen, paramsPtr, paramsLen, retPtr)
	}).Export("query")
	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, handle, stmtPtr, stmtLen, paramsPtr, paramsLen, retPtr uint32) {
		hostExecute(ctx, mod, flavor, handle, stmtPtr, stmtLen, paramsPtr, paramsLen, retPtr)
	}).Export("execute")
	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, handle, retPtr uint32) {
		hostClose(ctx, mod, flavor, handle, retPtr)
	}).Export("close")
}

func hostOpen(ctx context.Context, mod api.Module, flavor Flavor, addrPtr, addrLen, retPtr uint32) {
	inst, err := instanceFromContext(ctx, flavor)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeOther, err.Error())
		return
	}
	address, err := engine.ReadString(mod, addrPtr, addrLen)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeOther, err.Error())
		return
	}
	handle, err := inst.Open(ctx, address)
	if err != nil {
		writeDBError(ctx, mod, retPtr, err)
		return
	}
	_ = engine.WriteOK(ctx, mod, retPtr, binary.LittleEndian.AppendUint32(nil, handle))
}

func readStatement(ctx context.Context, mod api.Module, flavor Flavor, handle, stmtPtr, stmtLen, paramsPtr, paramsLen, retPtr uint32) (*Instance, string, []interface{}, bool) {
	inst, err := instanceFromContext(ctx, flavor)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeOther, err.Error())
		return nil, "", nil, false
	}
	statement, err := engine.ReadString(mod, stmtPtr, stmtLen)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeOther, err.Error())
		return nil, "", nil, false
	}
	var params []interface{}
	if paramsLen > 0 {
		raw, err := engine.ReadBytes(mod, paramsPtr, paramsLen)
		if err != nil {
			_ = engine.WriteError(ctx, mod, retPtr, codeOther, err.Error())
			return nil, "", nil, false
		}
		if err := json.Unmarshal(raw, &params); err != nil {
			_ = engine.WriteError(ctx, mod, retPtr, codeQueryFailed, "malformed parameters: "+err.Error())
			return nil, "", nil, false
		}
	}
	return inst, statement, params, true
}

func hostQuery(ctx context.Context, mod api.Module, flavor Flavor, handle, stmtPtr, stmtLen, paramsPtr, paramsLen, retPtr uint32) {
	inst, statement, params, ok := readStatement(ctx, mod, flavor, handle, stmtPtr, stmtLen, paramsPtr, paramsLen, retPtr)
	if !ok {
		return
	}
	db, err := inst.Connection(handle)
	if err != nil {
		writeDBError(ctx, mod, retPtr, err)
		return
	}
	result, err := Query(ctx, db, statement, params)
	if err != nil {
		writeDBError(ctx, mod, retPtr, err)
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeOther, err.Error())
		return
	}
	_ = engine.WriteOK(ctx, mod, retPtr, payload)
}

func hostExecute(ctx context.Context, mod api.Module, flavor Flavor, handle, stmtPtr, stmtLen, paramsPtr, paramsLen, retPtr uint32) {
	inst, statement, params, ok := readStatement(ctx, mod, flavor, handle, stmtPtr, stmtLen, paramsPtr, paramsLen, retPtr)
	if !ok {
		return
	}
	db, err := inst.Connection(handle)
	if err != nil {
		writeDBError(ctx, mod, retPtr, err)
		return
	}
	res, err := db.ExecContext(ctx, statement, params...)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeQueryFailed, err.Error())
		return
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	payload, err := json.Marshal(execResult{RowsAffected: affected})
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeOther, err.Error())
		return
	}
	_ = engine.WriteOK(ctx, mod, retPtr, payload)
}

func hostClose(ctx context.Context, mod api.Module, flavor Flavor, handle, retPtr uint32) {
	inst, err := instanceFromContext(ctx, flavor)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeOther, err.Error())
		return
	}
	if err := inst.CloseConnection(handle); err != nil {
		writeDBError(ctx, mod, retPtr, err)
		return
	}
	_ = engine.WriteOK(ctx, mod, retPtr, nil)
}
