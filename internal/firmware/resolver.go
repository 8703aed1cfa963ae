package firmware

import (
	"fmt"
	"fotaflow/internal/apperrors"
	"regexp"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// UpgradePath maps a firmware version, or a version range such as ">=1.0.0",
// to the bundle that supersedes it.
type UpgradePath map[string]string

// Details is the firmware state a device last reported. Empty versions mean
// the device has not reported one.
type Details struct {
	AppVersion       string   `json:"appVersion,omitempty"`
	ModemVersion     string   `json:"mfwVersion,omitempty"`
	SupportedTargets []Target `json:"supportedTargets"`
}

// Version returns the reported version for t.
func (d Details) Version(t Target) string {
	if t == TargetModem {
		return d.ModemVersion
	}
	return d.AppVersion
}

// Supports reports whether the device accepts updates for t.
func (d Details) Supports(t Target) bool {
	for _, s := range d.SupportedTargets {
		if s == t {
			return true
		}
	}
	return false
}

// Upgrade is the resolver's answer. An empty BundleID means no further
// upgrade is available.
type Upgrade struct {
	ReportedVersion string `json:"reportedVersion"`
	BundleID        string `json:"bundleId,omitempty"`
	Target          Target `json:"target"`
}

// Done reports whether the upgrade path is exhausted.
func (u Upgrade) Done() bool {
	return u.BundleID == ""
}

// Validate checks the path is usable before any device state is consulted.
func (p UpgradePath) Validate() error {
	if len(p) == 0 {
		return apperrors.Validation("upgradePath", "upgrade path must not be empty")
	}
	for version, bundleID := range p {
		if version == "" {
			return apperrors.Validation("upgradePath", "upgrade path contains an empty version")
		}
		if bundleID == "" {
			return apperrors.Validation("upgradePath", fmt.Sprintf("version %s has no bundle", version))
		}
	}
	return nil
}

// Target derives the single target all bundles in the path update.
func (p UpgradePath) Target() (Target, error) {
	targets := map[Target]bool{}
	for _, bundleID := range p {
		t, ok := BundleTarget(bundleID)
		if !ok {
			t = Target("unknown:" + bundleID)
		}
		targets[t] = true
	}
	if len(targets) != 1 {
		return "", apperrors.Domain(apperrors.ErrValidation, apperrors.AmbiguousTarget, "A job must have a single target!")
	}
	for t := range targets {
		if !t.Valid() {
			return "", apperrors.Domain(apperrors.ErrValidation, apperrors.AmbiguousTarget,
				fmt.Sprintf("Bundle type of %s is not known!", t[len("unknown:"):]))
		}
		return t, nil
	}
	return "", nil
}

// Match returns the bundle for version. Exact keys win; otherwise keys are
// tried as version constraints in sorted order and the first match wins.
func (p UpgradePath) Match(version string) (string, bool) {
	if bundleID, ok := p[version]; ok {
		return bundleID, true
	}
	v := parseVersion(version)
	if v == nil {
		return "", false
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c, err := semver.NewConstraint(k)
		if err != nil {
			continue
		}
		if c.Check(v) {
			return p[k], true
		}
	}
	return "", false
}

// NextUpgrade picks the bundle to apply given the device's reported state.
// It has no side effects; identical inputs give identical results.
func NextUpgrade(path UpgradePath, details Details) (Upgrade, error) {
	target, err := path.Target()
	if err != nil {
		return Upgrade{}, err
	}
	if !details.Supports(target) {
		return Upgrade{}, apperrors.Domain(apperrors.ErrValidation, apperrors.UnsupportedTarget,
			fmt.Sprintf("The device does not support FOTA for target %s!", target.Label()))
	}
	reported := details.Version(target)
	if reported == "" {
		return Upgrade{}, apperrors.Domain(apperrors.ErrValidation, apperrors.MissingVersion,
			fmt.Sprintf("The device has not reported an %s firmware version!", target.Label()))
	}
	up := Upgrade{ReportedVersion: reported, Target: target}
	if bundleID, ok := path.Match(reported); ok {
		up.BundleID = bundleID
	}
	return up, nil
}

var trailingVersion = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)$`)

// NormalizeVersion reduces a reported version such as "mfw_nrf9160_1.3.1"
// or "v2.0.0" to major.minor.patch. Unparseable input is returned as is.
func NormalizeVersion(raw string) string {
	if v := parseVersion(raw); v != nil {
		return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
	}
	return raw
}

// VersionBefore reports whether version a is older than b. Versions that
// do not parse are not ordered.
func VersionBefore(a, b string) bool {
	va, vb := parseVersion(a), parseVersion(b)
	return va != nil && vb != nil && va.LessThan(vb)
}

func parseVersion(raw string) *semver.Version {
	if v, err := semver.NewVersion(raw); err == nil {
		return v
	}
	if m := trailingVersion.FindString(raw); m != "" {
		if v, err := semver.NewVersion(m); err == nil {
			return v
		}
	}
	return nil
}
