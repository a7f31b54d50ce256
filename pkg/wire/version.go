package wire

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// VersionGate decides which protocol versions this node accepts.
type VersionGate struct {
	current *semver.Version
	accept  *semver.Constraints
}

// NewVersionGate parses the version this node speaks and the constraint
// (for example ">= 1.0.0, < 2.0.0") inbound messages must satisfy.
func NewVersionGate(current, accept string) (*VersionGate, error) {
	v, err := semver.NewVersion(current)
	if err != nil {
		return nil, fmt.Errorf("invalid protocol version %s: %w", current, err)
	}
	c, err := semver.NewConstraint(accept)
	if err != nil {
		return nil, fmt.Errorf("invalid protocol constraint %q: %w", accept, err)
	}
	if !c.Check(v) {
		return nil, fmt.Errorf("protocol version %s does not satisfy its own constraint %q", current, accept)
	}
	return &VersionGate{current: v, accept: c}, nil
}

// Current returns the version this node puts into outbound contexts.
func (g *VersionGate) Current() string {
	return g.current.Original()
}

// Check returns ErrUnsupportedVersion when version is unparseable or outside
// the accepted range.
func (g *VersionGate) Check(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}
	if !g.accept.Check(v) {
		return fmt.Errorf("%w: %s not in %s", ErrUnsupportedVersion, version, g.accept)
	}
	return nil
}
