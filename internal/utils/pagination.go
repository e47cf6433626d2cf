// Package utils contains free-standing helpers with no domain knowledge.
package utils

import "strconv"

// AtoiDefault parses s as an int, returning def for empty or unparseable
// input. Used for query parameters where a bad value should mean "use the
// default", not "fail the request".
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
