package billing

import (
	"time"

	"github.com/google/uuid"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the system time in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// IDGenerator returns a new unique id. Ids generated later must sort after
// earlier ones so that movements sharing a timestamp keep posting order.
type IDGenerator func() string

// NewTimeOrderedID returns a UUIDv7, which sorts by creation time.
func NewTimeOrderedID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
