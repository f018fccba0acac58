package gatt

import (
	"fmt"
	"strings"
)

// sigBaseSuffix is the Bluetooth SIG base UUID with the 32-bit prefix removed.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID returns the canonical lookup form of a UUID: lowercase hex
// without dashes, braces or a 0x prefix. 128-bit UUIDs built on the SIG base
// are shortened to their 16-bit form, matching what BLE stacks report.
func NormalizeUUID(uuid string) string {
	s := strings.TrimSpace(strings.ToLower(uuid))
	s = strings.TrimPrefix(s, "0x")
	s = strings.Trim(s, "{}")
	s = strings.ReplaceAll(s, "-", "")

	if len(s) == 32 && strings.HasSuffix(s, sigBaseSuffix) {
		s = s[:8]
	}
	if len(s) == 8 && strings.HasPrefix(s, "0000") {
		s = s[4:]
	}
	return s
}

// ValidateUUID checks that uuid is a 16-, 32- or 128-bit hex UUID and
// returns its normalized form.
func ValidateUUID(uuid string) (string, error) {
	n := NormalizeUUID(uuid)
	switch len(n) {
	case 4, 8, 32:
	default:
		return "", fmt.Errorf("invalid UUID %q: expected 4, 8 or 32 hex digits, got %d", uuid, len(n))
	}
	for _, r := range n {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", fmt.Errorf("invalid UUID %q: non-hex character %q", uuid, r)
		}
	}
	return n, nil
}

// EqualUUID reports whether two UUIDs refer to the same attribute.
func EqualUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}

// FormatUUID renders a UUID in the conventional uppercase dashed form
// (8-4-4-4-12 for 128-bit, plain hex for short UUIDs).
func FormatUUID(uuid string) string {
	n := strings.ToUpper(NormalizeUUID(uuid))
	if len(n) != 32 {
		return n
	}
	return n[0:8] + "-" + n[8:12] + "-" + n[12:16] + "-" + n[16:20] + "-" + n[20:]
}
