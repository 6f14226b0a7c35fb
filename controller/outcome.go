package controller

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeSplit
	OutcomeCancelled
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeSplit:
		return "split"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is how a supervised partition loop finished. ContinuationToken is
// set for OutcomeSplit and Err for OutcomeError.
type Outcome struct {
	Kind              OutcomeKind
	ContinuationToken string
	Err               error
}

func Success() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

// Split reports that the partition was replaced by child partitions after
// processing up to continuationToken.
func Split(continuationToken string) Outcome {
	return Outcome{Kind: OutcomeSplit, ContinuationToken: continuationToken}
}

func Cancelled() Outcome {
	return Outcome{Kind: OutcomeCancelled}
}

func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeError, Err: err}
}
