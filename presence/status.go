// Package presence implements the multi-tag status store, aggregation
// policy, and expiry-driven observer fan-out at the center of the
// presence server: putStatus/updateStatus/getStatus/removeStatus/
// dumpStatuses/watch, backed by a storage.Adaptor and a timer.Service.
package presence

import "encoding/json"

// Status is one publisher's claim about a resource: an opaque document
// (at minimum carrying a "status" field), an absolute expiry, and a
// priority used to break ties between concurrent publishers.
type Status struct {
	PresenceDoc map[string]any `json:"presence"`
	ExpiresAt   int64          `json:"expiresat"`
	Priority    int            `json:"priority"`
}

// Serialize renders s as the JSON text stored under res:<resource>[tag].
func (s Status) Serialize() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseStatus parses the JSON text produced by Status.Serialize.
func ParseStatus(data string) (Status, error) {
	var s Status
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return Status{}, err
	}
	return s, nil
}

// TaggedStatus pairs a tag with its Status: the unit getStatus/
// dumpStatuses return and the unit the aggregation policy and the
// sip/bus observers consume.
type TaggedStatus struct {
	Tag    string
	Status Status
}

// Aggregate folds a resource's non-expired statuses into the single
// document a subscriber or bus consumer sees. Commutative for ties: the
// result does not depend on iteration order.
func Aggregate(records []TaggedStatus) map[string]any {
	var maxPriority *int
	aggr := map[string]any{"status": "offline"}

	for _, r := range records {
		p := r.Status.Priority
		switch {
		case maxPriority == nil || p > *maxPriority:
			maxPriority = &p
			aggr = r.Status.PresenceDoc
		case p == *maxPriority && statusOf(aggr) == "offline" && statusOf(r.Status.PresenceDoc) == "online":
			aggr = r.Status.PresenceDoc
		}
	}
	return aggr
}

func statusOf(doc map[string]any) string {
	v, _ := doc["status"].(string)
	return v
}

// AggregatedPresence wraps Aggregate's result in the {"presence": ...}
// envelope the bus payload uses.
func AggregatedPresence(records []TaggedStatus) map[string]any {
	return map[string]any{"presence": Aggregate(records)}
}
