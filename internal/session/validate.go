package session

import (
	"fmt"
	"regexp"

	"github.com/matheus3301/chatsync/internal/model"
)

// Session names become directory names and socket paths, so they start
// with a letter or digit and cannot look like a flag.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// maxSocketPath is the longest usable sun_path on macOS (104 bytes with NUL).
const maxSocketPath = 103

// ValidateName checks that name is a usable session name and that its
// daemon socket fits the platform limit.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return &model.ValidationError{
			Field:   "session",
			Message: fmt.Sprintf("%q must be 1-32 chars of a-z, 0-9, _ or -, starting with a letter or digit", name),
		}
	}
	if p := SocketPath(name); len(p) > maxSocketPath {
		return &model.ValidationError{
			Field:   "session",
			Message: fmt.Sprintf("socket path %s is %d bytes, limit %d; shorten CHATSYNC_HOME or the name", p, len(p), maxSocketPath),
		}
	}
	return nil
}
