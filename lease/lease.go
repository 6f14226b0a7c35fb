package lease

import (
	"encoding/json"
	"maps"
	"time"
)

const (
	// ContinuationLatest starts a partition from its tip.
	ContinuationLatest = "LATEST"
	// ContinuationTrimHorizon starts a partition from the oldest retained record.
	ContinuationTrimHorizon = ""
)

// Lease is the ownership record of one partition. Version is the store's
// concurrency token and is only interpreted by Store implementations.
type Lease struct {
	LeaseToken        string            `json:"leaseToken"`
	Owner             string            `json:"owner,omitempty"`
	ContinuationToken string            `json:"continuationToken,omitempty"`
	Properties        map[string]string `json:"properties,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
	Version           uint64            `json:"-"`
}

func New(leaseToken, continuationToken string) *Lease {
	return &Lease{
		LeaseToken:        leaseToken,
		ContinuationToken: continuationToken,
		Properties:        make(map[string]string),
	}
}

func (l *Lease) Clone() *Lease {
	c := *l
	c.Properties = maps.Clone(l.Properties)
	return &c
}

// Expired reports whether the lease has no owner or its owner stopped
// renewing it within ttl.
func (l *Lease) Expired(now time.Time, ttl time.Duration) bool {
	if l.Owner == "" {
		return true
	}
	return now.Sub(l.Timestamp) > ttl
}

// Marshal encodes the stored form of a lease. All backends share it.
func Marshal(l *Lease) ([]byte, error) {
	return json.Marshal(l)
}

func Unmarshal(buf []byte, version uint64) (*Lease, error) {
	var l Lease
	if err := json.Unmarshal(buf, &l); err != nil {
		return nil, err
	}
	if l.Properties == nil {
		l.Properties = make(map[string]string)
	}
	l.Version = version
	return &l, nil
}
