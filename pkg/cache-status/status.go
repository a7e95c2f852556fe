package cachestatus

import "fmt"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The path is not covered by any policy rule.
	FwdReasonBypass FwdReason = "bypass"

	// The cache did not contain a response for the request.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache contained a response for the request, but it was stale.
	// The stored response is still served and refreshed in the background.
	FwdReasonStale FwdReason = "stale"
)

// CacheStatus describes how a single request was handled.
// It is used for logging and metrics only and is never sent to the client.
type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// Stored is set if a response was written to the cache while handling the request.
	Stored bool
	// Collapsed is set if the request waited on a fetch started by another request.
	Collapsed bool
	// TimeToLive is the remaining freshness in seconds (negative when stale).
	TimeToLive int
	Detail     string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// Outcome returns a single label value: hit, stale, uri-miss or bypass.
func (cs CacheStatus) Outcome() string {
	if cs.Status == StatusHit {
		return string(StatusHit)
	}
	if cs.FwdReason == "" {
		return "unknown"
	}
	return string(cs.FwdReason)
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("GGProxy; %s", cs.Status)
	if cs.Status == StatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status += "; stored"
	}
	if cs.Collapsed {
		status += "; collapsed"
	}
	if cs.Status == StatusHit || cs.FwdReason == FwdReasonStale {
		status = fmt.Sprintf("%s; ttl=%d", status, cs.TimeToLive)
	}
	if cs.Detail != "" {
		status += "; detail=" + cs.Detail
	}
	return status
}
