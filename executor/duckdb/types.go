package duckdb

import (
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// duckDBTypeToArrow maps a DuckDB column type name to the Arrow type its
// values are published as. Types without a direct mapping become strings.
func duckDBTypeToArrow(dbType string) arrow.DataType {
	dbType = strings.ToUpper(strings.TrimSpace(dbType))
	switch dbType {
	case "BIGINT", "INT8", "LONG":
		return arrow.PrimitiveTypes.Int64
	case "INTEGER", "INT4", "INT", "SIGNED":
		return arrow.PrimitiveTypes.Int32
	case "SMALLINT", "INT2", "SHORT":
		return arrow.PrimitiveTypes.Int16
	case "TINYINT", "INT1":
		return arrow.PrimitiveTypes.Int8
	case "UBIGINT":
		return arrow.PrimitiveTypes.Uint64
	case "UINTEGER":
		return arrow.PrimitiveTypes.Uint32
	case "USMALLINT":
		return arrow.PrimitiveTypes.Uint16
	case "UTINYINT":
		return arrow.PrimitiveTypes.Uint8
	case "DOUBLE", "FLOAT8":
		return arrow.PrimitiveTypes.Float64
	case "FLOAT", "REAL", "FLOAT4":
		return arrow.PrimitiveTypes.Float32
	case "BOOLEAN", "BOOL", "LOGICAL":
		return arrow.FixedWidthTypes.Boolean
	case "VARCHAR", "TEXT", "STRING", "CHAR", "BPCHAR":
		return arrow.BinaryTypes.String
	case "BLOB", "BYTEA", "BINARY", "VARBINARY":
		return arrow.BinaryTypes.Binary
	case "DATE":
		return arrow.FixedWidthTypes.Date32
	case "TIMESTAMP", "DATETIME", "TIMESTAMP_US":
		return arrow.FixedWidthTypes.Timestamp_us
	case "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE":
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	default:
		return arrow.BinaryTypes.String
	}
}

// appendValue appends a scanned database value to builder, null when the
// value cannot be represented.
func appendValue(builder array.Builder, val any) {
	if val == nil {
		builder.AppendNull()
		return
	}

	switch b := builder.(type) {
	case *array.Int64Builder:
		if v, ok := toInt64(val); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}
	case *array.Int32Builder:
		if v, ok := toInt64(val); ok {
			b.Append(int32(v))
		} else {
			b.AppendNull()
		}
	case *array.Int16Builder:
		if v, ok := toInt64(val); ok {
			b.Append(int16(v))
		} else {
			b.AppendNull()
		}
	case *array.Int8Builder:
		if v, ok := toInt64(val); ok {
			b.Append(int8(v))
		} else {
			b.AppendNull()
		}
	case *array.Uint64Builder:
		if v, ok := toUint64(val); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}
	case *array.Uint32Builder:
		if v, ok := toUint64(val); ok {
			b.Append(uint32(v))
		} else {
			b.AppendNull()
		}
	case *array.Uint16Builder:
		if v, ok := toUint64(val); ok {
			b.Append(uint16(v))
		} else {
			b.AppendNull()
		}
	case *array.Uint8Builder:
		if v, ok := toUint64(val); ok {
			b.Append(uint8(v))
		} else {
			b.AppendNull()
		}
	case *array.Float64Builder:
		switch v := val.(type) {
		case float64:
			b.Append(v)
		case float32:
			b.Append(float64(v))
		default:
			b.AppendNull()
		}
	case *array.Float32Builder:
		switch v := val.(type) {
		case float32:
			b.Append(v)
		case float64:
			b.Append(float32(v))
		default:
			b.AppendNull()
		}
	case *array.BooleanBuilder:
		if v, ok := val.(bool); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}
	case *array.StringBuilder:
		switch v := val.(type) {
		case string:
			b.Append(v)
		case []byte:
			b.Append(string(v))
		default:
			b.Append(fmt.Sprintf("%v", v))
		}
	case *array.BinaryBuilder:
		switch v := val.(type) {
		case []byte:
			b.Append(v)
		case string:
			b.Append([]byte(v))
		default:
			b.AppendNull()
		}
	case *array.Date32Builder:
		if v, ok := val.(time.Time); ok {
			b.Append(arrow.Date32FromTime(v))
		} else {
			b.AppendNull()
		}
	case *array.TimestampBuilder:
		if v, ok := val.(time.Time); ok {
			b.Append(arrow.Timestamp(v.UnixMicro()))
		} else {
			b.AppendNull()
		}
	default:
		builder.AppendNull()
	}
}

func toInt64(val any) (int64, bool) {
	switch v := val.(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int16:
		return int64(v), true
	case int8:
		return int64(v), true
	case int:
		return int64(v), true
	}
	return 0, false
}

func toUint64(val any) (uint64, bool) {
	switch v := val.(type) {
	case uint64:
		return v, true
	case uint32:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint8:
		return uint64(v), true
	case uint:
		return uint64(v), true
	}
	return 0, false
}
