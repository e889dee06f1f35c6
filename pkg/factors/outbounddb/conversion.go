package outbounddb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Query runs a statement and converts every value through the fixed type
// table. An unsupported column type fails the whole query with a
// value-conversion error rather than smuggling a driver-specific value
// through to the guest.
func Query(ctx context.Context, db *sql.DB, statement string, params []interface{}) (*rowSet, error) {
	rows, err := db.QueryContext(ctx, statement, params...)
	if err != nil {
		return nil, &dbError{code: codeQueryFailed, detail: err.Error()}
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, &dbError{code: codeQueryFailed, detail: err.Error()}
	}
	columns := make([]column, len(types))
	for i, t := range types {
		kind, err := columnKind(t.DatabaseTypeName())
		if err != nil {
			return nil, err
		}
		columns[i] = column{Name: t.Name(), Type: kind}
	}

	result := &rowSet{Columns: columns, Rows: [][]interface{}{}}
	values := make([]interface{}, len(columns))
	scan := make([]interface{}, len(columns))
	for i := range values {
		scan[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			return nil, &dbError{code: codeQueryFailed, detail: err.Error()}
		}
		row := make([]interface{}, len(columns))
		for i, v := range values {
			converted, err := ConvertValue(columns[i].Type, v)
			if err != nil {
				return nil, err
			}
			row[i] = converted
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &dbError{code: codeQueryFailed, detail: err.Error()}
	}
	return result, nil
}

// columnKind maps a database type name onto the guest-visible kind set.
func columnKind(dbType string) (string, error) {
	switch strings.ToUpper(dbType) {
	case "BOOL", "BOOLEAN", "TINYINT":
		return "bool", nil
	case "INT2", "SMALLINT":
		return "int16", nil
	case "INT4", "INT", "INTEGER", "MEDIUMINT":
		return "int32", nil
	case "INT8", "BIGINT":
		return "int64", nil
	case "REAL", "FLOAT4", "FLOAT":
		return "float32", nil
	case "DOUBLE", "FLOAT8", "DOUBLE PRECISION":
		return "float64", nil
	case "VARCHAR", "TEXT", "CHAR", "BPCHAR", "NAME", "LONGTEXT", "MEDIUMTEXT", "TINYTEXT":
		return "string", nil
	case "BYTEA", "BLOB", "VARBINARY", "BINARY", "LONGBLOB", "MEDIUMBLOB", "TINYBLOB":
		return "bytes", nil
	default:
		return "", &dbError{code: codeValueConversion, detail: fmt.Sprintf("unsupported column type %q", dbType)}
	}
}

// ConvertValue coerces a driver value into the guest representation for a
// column kind. NULL passes through as nil for every kind.
func ConvertValue(kind string, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case "bool":
		switch t := v.(type) {
		case bool:
			return t, nil
		case int64:
			return t != 0, nil
		}
	case "int16":
		if t, ok := v.(int64); ok {
			return int16(t), nil
		}
	case "int32":
		if t, ok := v.(int64); ok {
			return int32(t), nil
		}
	case "int64":
		if t, ok := v.(int64); ok {
			return t, nil
		}
	case "float32":
		if t, ok := v.(float64); ok {
			return float32(t), nil
		}
	case "float64":
		if t, ok := v.(float64); ok {
			return t, nil
		}
	case "string":
		switch t := v.(type) {
		case string:
			return t, nil
		case []byte:
			// MySQL text columns scan as bytes.
			return string(t), nil
		}
	case "bytes":
		if t, ok := v.([]byte); ok {
			return t, nil
		}
	}
	return nil, &dbError{
		code:   codeValueConversion,
		detail: fmt.Sprintf("cannot represent %T as %s", v, kind),
	}
}
