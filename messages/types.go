package messages

type LeaseState struct {
	LeaseToken        string
	Owner             string
	ContinuationToken string
	LastRenewal       string
	Expired           bool
}

type HostState struct {
	Host   string
	Leases int
}

type StateResponse struct {
	Host        string
	OwnedLeases []string
	Leases      []LeaseState
	Hosts       []HostState
}
