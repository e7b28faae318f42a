package sqlite

import (
	"database/sql/driver"
	"strings"

	sqlitedriver "modernc.org/sqlite"
)

// foldFunc is the SQL name of fold. SQLite's own lower() and LIKE only
// fold ASCII, so text matching goes through this function instead.
const foldFunc = "spirit_fold"

func init() {
	if err := sqlitedriver.RegisterDeterministicScalarFunction(foldFunc, 1, foldValue); err != nil {
		panic("sqlite: register " + foldFunc + ": " + err.Error())
	}
}

// fold lowercases s with full Unicode case mapping, the same way recall
// lowercases queries and content in Go.
func fold(s string) string {
	return strings.ToLower(s)
}

func foldValue(_ *sqlitedriver.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case string:
		return fold(v), nil
	case []byte:
		return fold(string(v)), nil
	default:
		return v, nil
	}
}
