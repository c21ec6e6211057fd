package mangle

import (
	"context"
	"time"
)

// Lifecycle predicates.
const (
	PredRouteChanged   = "route_changed"
	PredProbeAttempt   = "probe_attempt"
	PredThreadCaptured = "thread_captured"
	PredMountCreated   = "mount_created"
	PredRequestState   = "request_state"
	PredRequestFailed  = "request_failed"
)

// Derived predicates the lifecycle schema defines.
const (
	PredAttached           = "attached"
	PredAbandoned          = "abandoned"
	PredDuplicateMount     = "duplicate_mount"
	PredConcurrentRequests = "concurrent_requests"
	PredFailedRequest      = "failed_request"
)

// Violations are derived predicates that must stay empty.
var Violations = []string{PredDuplicateMount, PredConcurrentRequests}

func stamp(t time.Time) int64 { return t.UnixMilli() }

// RouteChanged builds a route_changed fact.
func RouteChanged(route string, at time.Time) Fact {
	return Fact{Predicate: PredRouteChanged, Args: []interface{}{route, stamp(at)}, Timestamp: at}
}

// ProbeAttempt builds a probe_attempt fact.
func ProbeAttempt(scheduler, route string, attempt int64, state string, at time.Time) Fact {
	return Fact{Predicate: PredProbeAttempt, Args: []interface{}{scheduler, route, attempt, state, stamp(at)}, Timestamp: at}
}

// ThreadCaptured builds a thread_captured fact. Only the length is kept.
func ThreadCaptured(route string, length int, at time.Time) Fact {
	return Fact{Predicate: PredThreadCaptured, Args: []interface{}{route, int64(length), stamp(at)}, Timestamp: at}
}

// MountCreated builds a mount_created fact; kind is "inserted" or "adopted".
func MountCreated(route, nodeID, kind string, at time.Time) Fact {
	return Fact{Predicate: PredMountCreated, Args: []interface{}{route, nodeID, kind, stamp(at)}, Timestamp: at}
}

// RequestState builds a request_state fact.
func RequestState(id, variant, state string, at time.Time) Fact {
	return Fact{Predicate: PredRequestState, Args: []interface{}{id, variant, state, stamp(at)}, Timestamp: at}
}

// RequestFailed builds a request_failed fact.
func RequestFailed(id, message string, at time.Time) Fact {
	return Fact{Predicate: PredRequestFailed, Args: []interface{}{id, message}, Timestamp: at}
}

// CheckViolations returns every violation fact currently derivable.
func (e *Engine) CheckViolations(ctx context.Context) ([]Fact, error) {
	var out []Fact
	for _, pred := range Violations {
		facts, err := e.Evaluate(ctx, pred)
		if err != nil {
			return nil, err
		}
		out = append(out, facts...)
	}
	return out, nil
}
