package sqlitedb

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/spindle-run/spindle/pkg/engine"
)

const hostModule = "spin_sqlite"

// Guest-visible error codes.
const (
	codeOK                  uint32 = 0
	codeNoSuchDatabase      uint32 = 1
	codeAccessDenied        uint32 = 2
	codeInvalidConnection   uint32 = 3
	codeConnectionTableFull uint32 = 4
	codeQuery               uint32 = 5
	codeIO                  uint32 = 6
)

// dbError is a guest-visible sqlite failure.
type dbError struct {
	code   uint32
	detail string
}

func (e *dbError) Error() string { return fmt.Sprintf("sqlite error %d: %s", e.code, e.detail) }

func writeDBError(ctx context.Context, mod api.Module, retPtr uint32, err error) {
	if de, ok := err.(*dbError); ok {
		_ = engine.WriteError(ctx, mod, retPtr, de.code, de.detail)
		return
	}
	_ = engine.WriteError(ctx, mod, retPtr, codeIO, err.Error())
}

// queryResult is the JSON payload execute returns on success. Mutations
// yield an empty column list and no rows.
type queryResult struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

func registerHost(b wazero.HostModuleBuilder) {
	b.NewFunctionBuilder().WithFunc(hostOpen).Export("open")
	b.NewFunctionBuilder().WithFunc(hostExecute).Export("execute")
	b.NewFunctionBuilder().WithFunc(hostClose).Export("close")
}

// hostOpen opens a labeled database. Success payload is the handle u32 LE.
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
	handle, err := inst.OpenConnection(label)
	if err != nil {
		writeDBError(ctx, mod, retPtr, err)
		return
	}
	_ = engine.WriteOK(ctx, mod, retPtr, binary.LittleEndian.AppendUint32(nil, handle))
}

// hostExecute runs a script. Parameters arrive as a JSON array; the success
// payload is a JSON queryResult for the script's last statement.
func hostExecute(ctx context.Context, mod api.Module, handle, queryPtr, queryLen, paramsPtr, paramsLen, retPtr uint32) {
	inst, err := instanceFromContext(ctx)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeIO, err.Error())
		return
	}
	db, err := inst.Connection(handle)
	if err != nil {
		writeDBError(ctx, mod, retPtr, err)
		return
	}
	query, err := engine.ReadString(mod, queryPtr, queryLen)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeIO, err.Error())
		return
	}
	var params []interface{}
	if paramsLen > 0 {
		raw, err := engine.ReadBytes(mod, paramsPtr, paramsLen)
		if err != nil {
			_ = engine.WriteError(ctx, mod, retPtr, codeIO, err.Error())
			return
		}
		if err := json.Unmarshal(raw, &params); err != nil {
			_ = engine.WriteError(ctx, mod, retPtr, codeQuery, "malformed parameters: "+err.Error())
			return
		}
	}

	result, qerr := Execute(ctx, db, query, params)
	if qerr != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeQuery, qerr.Error())
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeIO, err.Error())
		return
	}
	_ = engine.WriteOK(ctx, mod, retPtr, payload)
}

func hostClose(ctx context.Context, mod api.Module, handle, retPtr uint32) {
	inst, err := instanceFromContext(ctx)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeIO, err.Error())
		return
	}
	if err := inst.CloseConnection(handle); err != nil {
		writeDBError(ctx, mod, retPtr, err)
		return
	}
	_ = engine.WriteOK(ctx, mod, retPtr, nil)
}

// Execute runs the statements of a script in order and returns the last
// one's result set. Parameters bind to the script's single statement;
// multi-statement scripts take none.
func Execute(ctx context.Context, db *sql.DB, script string, params []interface{}) (*queryResult, error) {
	statements := executableStatements(script)
	if len(statements) == 0 {
		return &queryResult{Columns: []string{}, Rows: [][]interface{}{}}, nil
	}
	if len(params) > 0 && len(statements) > 1 {
		return nil, fmt.Errorf("parameters require a single statement, script has %d", len(statements))
	}
	var result *queryResult
	for _, stmt := range statements {
		r, err := runStatement(ctx, db, stmt, params)
		if err != nil {
			return nil, err
		}
		result = r
	}
	return result, nil
}

// runStatement runs one statement. Mutations also go through Query so sqlite
// reports syntax errors uniformly; they produce an empty result set.
func runStatement(ctx context.Context, db *sql.DB, query string, params []interface{}) (*queryResult, error) {
	rows, err := db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &queryResult{Columns: columns, Rows: [][]interface{}{}}
	values := make([]interface{}, len(columns))
	scan := make([]interface{}, len(columns))
	for i := range values {
		scan[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			return nil, err
		}
		row := make([]interface{}, len(columns))
		for i, v := range values {
			row[i] = normalizeValue(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// normalizeValue maps driver values onto the JSON-representable set.
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		// json.Marshal encodes []byte as base64; keep that representation.
		return t
	default:
		return v
	}
}
