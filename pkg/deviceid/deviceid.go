// Package deviceid handles the smart-lamp device identifier format:
// YYYYMMDD-<ownerId>-<6 alphanumeric>, e.g. 20250114-alice-x7k2m9.
package deviceid

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"
)

var pattern = regexp.MustCompile(`^\d{8}-[a-zA-Z0-9]+-[a-zA-Z0-9]{6}$`)

const suffixChars = "abcdefghijklmnopqrstuvwxyz0123456789"

// Valid reports whether id matches the device identifier format.
func Valid(id string) bool {
	return pattern.MatchString(id)
}

// Owner extracts the owner segment from a device id. Malformed ids return
// an error; callers use this to auto-register devices from inbound traffic.
func Owner(id string) (string, error) {
	if !Valid(id) {
		return "", fmt.Errorf("malformed device id %q", id)
	}
	parts := strings.SplitN(id, "-", 3)
	return parts[1], nil
}

// New generates a fresh device id for the given owner, using the current
// date and a random 6-character suffix.
func New(owner string, now time.Time) (string, error) {
	if owner == "" || strings.Contains(owner, "-") || !alphanumeric(owner) {
		return "", fmt.Errorf("invalid owner segment %q", owner)
	}
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = suffixChars[rand.Intn(len(suffixChars))]
	}
	return fmt.Sprintf("%s-%s-%s", now.Format("20060102"), owner, suffix), nil
}

func alphanumeric(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
