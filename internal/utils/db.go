package utils

import "github.com/mattn/go-sqlite3"

// Returns a boolean indicating if the current error is related to a
// database unique constraint failure. Insert-if-absent paths treat this
// as success.
func IsUniqueConstraintErr(err error) bool {
	if val, ok := err.(sqlite3.Error); ok {
		return val.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
