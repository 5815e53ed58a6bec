// Package userid derives the two identifiers the gateway uses for a
// verified user email: the display-safe local part and the path-safe short
// id used in worktree paths and branch names.
package userid

import (
	"regexp"
	"strings"
)

var nonAlphanumRun = regexp.MustCompile(`[^a-z0-9]+`)

// LocalPart returns the part of the email before the first "@".
// The full address is returned unchanged if it has no "@".
func LocalPart(email string) string {
	if i := strings.IndexByte(email, '@'); i >= 0 {
		return email[:i]
	}
	return email
}

// ShortID returns the path-safe short id for an email: the lowercase local
// part with every run of characters outside [a-z0-9] collapsed to a single
// "-", trimmed of leading and trailing "-". The id is stable per email and
// is used in worktree directory names and user-namespaced branch names.
func ShortID(email string) string {
	local := strings.ToLower(LocalPart(strings.TrimSpace(email)))
	id := strings.Trim(nonAlphanumRun.ReplaceAllString(local, "-"), "-")
	if id == "" {
		return "user"
	}
	return id
}
