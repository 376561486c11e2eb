// Package formatter provides short, human-friendly identifiers for log
// correlation. It is adapted from a container-id truncation helper; here
// it labels daemon connections instead of containers.
package formatter

import (
	"fmt"

	"github.com/docker/docker/pkg/stringid"
)

// ConnID formats a monotonically increasing connection counter as a short,
// fixed-width hex tag suitable for attaching to every log line of a
// session.
type ConnID struct {
	id string
}

// NewConnID derives a ConnID from a sequence number. It reuses
// stringid.TruncateID, which is safe to call on non-hex-id input: it
// simply truncates to its display width.
func NewConnID(seq uint64) ConnID {
	return ConnID{id: stringid.TruncateID(fmt.Sprintf("%012x", seq))}
}

func (c ConnID) String() string {
	return c.id
}
