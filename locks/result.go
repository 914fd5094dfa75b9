package locks

import "strings"

// Granted interprets a single value returned by an acquire or release query.
//
// Booleans are authoritative. Integer results (MySQL GET_LOCK) are true only
// when 1, and SQL NULL is false. Some drivers report a void-returning
// function as an empty string, so empty text counts as success; callers
// treat an empty result set the same way. That alias is a driver quirk,
// nothing here relies on it for correctness.
func Granted(v any) bool {
	switch r := v.(type) {
	case nil:
		return false
	case bool:
		return r
	case int64:
		return r == 1
	case int32:
		return r == 1
	case int:
		return r == 1
	case []byte:
		return grantedText(string(r))
	case string:
		return grantedText(r)
	default:
		return false
	}
}

func grantedText(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "t", "true", "1":
		return true
	default:
		return false
	}
}
