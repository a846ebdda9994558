package authz

import "time"

// AuthorizationRequest is a pending CIBA authorization. It may be resolved
// at most once.
type AuthorizationRequest struct {
	// ID is the provider's auth_req_id.
	ID string `json:"id"`

	// RequestedAt is when the request was initiated.
	RequestedAt time.Time `json:"requested_at"`

	// ExpiresIn is the request lifetime in seconds.
	ExpiresIn int `json:"expires_in"`

	// Interval is the minimum polling interval in seconds.
	Interval int `json:"interval"`
}

// Deadline returns the instant after which the request can no longer be approved.
func (r AuthorizationRequest) Deadline() time.Time {
	return r.RequestedAt.Add(time.Duration(r.ExpiresIn) * time.Second)
}

// Expired reports whether the deadline has passed at now.
func (r AuthorizationRequest) Expired(now time.Time) bool {
	return !now.Before(r.Deadline())
}

// PollInterval returns the polling interval, at least one second.
func (r AuthorizationRequest) PollInterval() time.Duration {
	if r.Interval <= 0 {
		return time.Second
	}
	return time.Duration(r.Interval) * time.Second
}
