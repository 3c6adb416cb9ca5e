package record

import (
	"errors"
	"time"
)

// permanentError marks a persist failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the flush loop drops the update instead of retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// LostUpdate describes a pending update that was abandoned after its last
// persist attempt. The cache keeps the locally applied values; only a reload
// from the source of truth brings the two back in line.
type LostUpdate struct {
	ID        string    `json:"id"`
	Changes   Fields    `json:"changes"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	Permanent bool      `json:"permanent"`
	DroppedAt time.Time `json:"dropped_at"`
}
