package syncsvc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/field"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/vclock"
)

// Error codes carried in Result.Error.
const (
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeInvalidDelta   = "invalid_delta"
	ErrCodeMalformedDelta = "malformed_delta"
)

// SubmitRequest is the JSON body of a delta submission.
type SubmitRequest struct {
	DeviceID string      `json:"deviceId"`
	Delta    field.Delta `json:"delta"`
}

// PackedSubmitRequest carries a delta whose changes are codec records.
// Payload is base64 in JSON.
type PackedSubmitRequest struct {
	DeviceID  string             `json:"deviceId"`
	Clock     vclock.VectorClock `json:"clock"`
	Version   int64              `json:"version"`
	Timestamp int64              `json:"timestamp"`
	Payload   []byte             `json:"payload"`
}

// Result is the outcome of one submission.
type Result struct {
	Success        bool                   `json:"success"`
	AppliedChanges int                    `json:"appliedChanges"`
	Conflicts      []field.ConflictRecord `json:"conflicts"`
	GlobalClock    vclock.VectorClock     `json:"globalClock"`
	Error          string                 `json:"error,omitempty"`
	// RetryAfter is in milliseconds.
	RetryAfter int64 `json:"retryAfter,omitempty"`

	Ordering vclock.Ordering `json:"-"`
}

// MarshalJSON emits only success, error and retryAfter for failed results.
func (r Result) MarshalJSON() ([]byte, error) {
	if !r.Success {
		return json.Marshal(struct {
			Success    bool   `json:"success"`
			Error      string `json:"error"`
			RetryAfter int64  `json:"retryAfter,omitempty"`
		}{r.Success, r.Error, r.RetryAfter})
	}
	type plain Result
	p := plain(r)
	if p.Conflicts == nil {
		p.Conflicts = []field.ConflictRecord{}
	}
	if p.GlobalClock == nil {
		p.GlobalClock = vclock.New()
	}
	return json.Marshal(p)
}

// StateView is the canonical state as served to devices.
type StateView struct {
	Cells       map[field.Coord]field.Cell `json:"cells"`
	GlobalClock vclock.VectorClock         `json:"globalClock"`
	TotalWrites int64                      `json:"totalWrites"`
	UpdatedAt   int64                      `json:"updatedAt"`
}

// ConflictsView lists the most recent logged conflicts, oldest first.
type ConflictsView struct {
	Conflicts []store.LoggedConflict `json:"conflicts"`
}

// Err converts an unsuccessful result into a typed error: a
// *RateLimitedError for rate limiting, a *RejectedError otherwise.
// Returns nil for a successful result.
func (r Result) Err(deviceID string) error {
	switch {
	case r.Success:
		return nil
	case r.Error == ErrCodeRateLimited:
		return &RateLimitedError{
			DeviceID:   deviceID,
			RetryAfter: time.Duration(r.RetryAfter) * time.Millisecond,
		}
	default:
		return &RejectedError{Code: r.Error}
	}
}

// RejectedError reports a submission refused for a reason other than
// rate limiting. Resending the same payload will not help.
type RejectedError struct {
	Code string
}

// Error implements the error interface.
func (e *RejectedError) Error() string {
	return fmt.Sprintf("submission rejected: %s", e.Code)
}

// IsRejected reports whether err is or wraps a *RejectedError.
func IsRejected(err error) bool {
	var r *RejectedError
	return errors.As(err, &r)
}

func failed(code string) Result {
	return Result{Success: false, Error: code}
}
