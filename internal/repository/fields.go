package repository

import (
	"strconv"

	"taskflow-agent/internal/store"
)

// Field readers never fail: a missing or mistyped field yields the zero value
// so one malformed remote record cannot break a snapshot rebuild.

func stringField(rec store.Record, name string) string {
	switch v := rec[name].(type) {
	case string:
		return v
	default:
		return ""
	}
}

func boolField(rec store.Record, name string) bool {
	switch v := rec[name].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

func int64Field(rec store.Record, name string) (int64, bool) {
	switch v := rec[name].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
