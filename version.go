package streamrpc

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ProtocolVersion is announced by clients in the `VersionHeader`.
const ProtocolVersion = "1.0.0"

const VersionHeader = "X-Streamrpc-Version"

// checkVersion validates a peer announced version against constraint.
// Peers which do not announce anything are accepted.
func checkVersion(announced string, constraint *semver.Constraints) error {
	announced = strings.TrimSpace(announced)
	if constraint == nil || announced == "" {
		return nil
	}
	v, err := semver.NewVersion(announced)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrIncompatibleVersion, announced, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrIncompatibleVersion, v, constraint)
	}
	return nil
}
