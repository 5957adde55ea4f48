package billing

import "strings"

// MaskID hides all but the last four characters of an identifier so payment
// and user ids never reach logs in plaintext. A short prefix ending in '_'
// (pay_, inv_) is kept for readability.
func MaskID(id string) string {
	if id == "" {
		return ""
	}
	prefix := ""
	if i := strings.IndexByte(id, '_'); i > 0 && i <= 4 {
		prefix, id = id[:i+1], id[i+1:]
	}
	if len(id) <= 4 {
		return prefix + strings.Repeat("*", len(id))
	}
	return prefix + "***" + id[len(id)-4:]
}
