// Package clock provides the production Clock implementation.
package clock

import (
	"time"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/ports"
)

// System reads the wall clock in UTC.
type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC()
}

var _ ports.Clock = System{}
