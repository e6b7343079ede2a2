package idgen

import (
	"fmt"
	"os"
	"regexp"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// EventID returns a lexically sortable ULID.
func EventID() string {
	return ulid.Make().String()
}

// InstanceID names a scheduler process: hostname plus a short random suffix.
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "threadd"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// IsGenerated reports whether id has the shape of an id returned by New.
func IsGenerated(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

var customIDPattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ValidateCustomID checks that id is a valid caller-provided thread ID.
// Rules: lowercase letters, digits, and dashes; must start with a letter and
// end with a letter or digit; max 64 characters.
func ValidateCustomID(id string) error {
	if len(id) > 64 {
		return fmt.Errorf("custom id too long (max 64 characters)")
	}
	if !customIDPattern.MatchString(id) {
		return fmt.Errorf("custom id %q is invalid: must match %s", id, customIDPattern.String())
	}
	return nil
}
