// Package alloc derives sandbox resource names and endpoints from thread
// identifiers. All derivations are pure: the same thread always maps to the
// same name, volume, and port, so resources can be rediscovered after a
// process restart without any local bookkeeping.
package alloc

import (
	"hash/fnv"
	"strings"
)

const (
	// PortMin and PortMax bound the host port range used for sandbox
	// endpoints. Ports below 10000 are left to the host.
	PortMin = 10000
	PortMax = 65535

	sandboxPrefix = "burrow-"
	volumePrefix  = "burrow-vol-"

	maxNameLength = 63
)

// NameForThread returns the sandbox compute-unit name for a thread. The thread
// id is sanitized to lowercase alphanumerics and dashes so it is valid as a
// container or cloud resource name.
func NameForThread(threadID string) string {
	return sandboxPrefix + Sanitize(threadID)
}

// VolumeNameForThread returns the durable volume name for a thread. The volume
// is owned by the thread, not by any one sandbox instance.
func VolumeNameForThread(threadID string) string {
	return volumePrefix + Sanitize(threadID)
}

// PortForThread maps a thread to a deterministic host port in
// [PortMin, PortMax]. Distinct threads may collide; callers probe forward with
// NextPort when the derived port is already bound.
func PortForThread(threadID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(threadID))
	span := uint32(PortMax - PortMin + 1)
	return PortMin + int(h.Sum32()%span)
}

// NextPort returns the next candidate port for linear probing, wrapping from
// PortMax back to PortMin.
func NextPort(port int) int {
	if port >= PortMax {
		return PortMin
	}
	return port + 1
}

// Sanitize lowercases the thread id and replaces every rune outside
// [a-z0-9-] with a dash. Leading/trailing dashes are trimmed and the result is
// capped so derived names stay within common resource-name limits.
func Sanitize(threadID string) string {
	var b strings.Builder
	b.Grow(len(threadID))
	for _, r := range strings.ToLower(threadID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "thread"
	}
	if len(out) > maxNameLength {
		out = out[:maxNameLength]
	}
	return out
}
