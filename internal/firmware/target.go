// Package firmware resolves which firmware bundle a device should receive next.
package firmware

import (
	"fmt"
	"strings"
)

// Target is the firmware domain being updated.
type Target string

// Firmware targets.
const (
	TargetApp   Target = "app"
	TargetModem Target = "modem"
)

// Valid reports whether t is a known target.
func (t Target) Valid() bool {
	return t == TargetApp || t == TargetModem
}

// Label returns the human-readable name used in messages.
func (t Target) Label() string {
	switch t {
	case TargetApp:
		return "application"
	case TargetModem:
		return "modem"
	default:
		return string(t)
	}
}

// ParseTarget accepts the canonical names and their common aliases.
func ParseTarget(s string) (Target, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "app", "application":
		return TargetApp, nil
	case "modem", "mfw":
		return TargetModem, nil
	default:
		return "", fmt.Errorf("unknown firmware target %q", s)
	}
}

// Bundle ID prefixes as issued by the device-management API. A bundle ID
// looks like "APP*1e29dfa3*v2.0.1" or "MDM_FULL*bdd24c80*mfw_nrf9160_1.3.1".
const (
	bundlePrefixApp      = "APP*"
	bundlePrefixModem    = "MODEM*"
	bundlePrefixModemFul = "MDM_FULL*"
)

// BundleTarget returns the target a bundle ID updates.
func BundleTarget(bundleID string) (Target, bool) {
	switch {
	case strings.HasPrefix(bundleID, bundlePrefixApp):
		return TargetApp, true
	case strings.HasPrefix(bundleID, bundlePrefixModem), strings.HasPrefix(bundleID, bundlePrefixModemFul):
		return TargetModem, true
	default:
		return "", false
	}
}

// ParseFOTATypes maps the update types a device declares in its shadow
// ("APP", "MODEM", "MDM_FULL") to targets. Unknown types are skipped.
func ParseFOTATypes(types []string) []Target {
	var targets []Target
	seen := map[Target]bool{}
	for _, typ := range types {
		var t Target
		switch strings.ToUpper(typ) {
		case "APP":
			t = TargetApp
		case "MODEM", "MDM_FULL":
			t = TargetModem
		default:
			continue
		}
		if !seen[t] {
			seen[t] = true
			targets = append(targets, t)
		}
	}
	return targets
}
