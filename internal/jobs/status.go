package jobs

// Status represents the lifecycle state of a job in the
// enrichment_jobs table. These values must match the text values
// stored in the database (enrichment_jobs.status).
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRetrying   Status = "retrying"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusQueued,
	StatusProcessing,
	StatusRetrying,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// InFlightStatuses count against queue capacity.
var InFlightStatuses = []Status{StatusQueued, StatusProcessing, StatusRetrying}

// CancellableStatuses may still be cancelled by their owner.
var CancellableStatuses = []Status{StatusQueued, StatusProcessing, StatusRetrying}

// IsTerminal reports whether a job in this status can no longer change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Strings converts a status list for SQL IN / ANY parameters.
func Strings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
