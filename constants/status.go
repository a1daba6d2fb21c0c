package constants

// JobStatus is the canonical status for processing job records.
type JobStatus string

// Stable values (persisted verbatim).
const (
	JobStatusProcessing JobStatus = "processing" // initial, in flight
	JobStatusCompleted  JobStatus = "completed"  // provider returned a payload
	JobStatusFailed     JobStatus = "failed"     // provider or pipeline failure
	JobStatusTimeout    JobStatus = "timeout"    // poll budget exhausted; retry later
)

// Terminal reports whether no further transitions can happen from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimeout:
		return true
	}
	return false
}

// JobStatuses holds every persisted status value.
var JobStatuses = []string{
	string(JobStatusProcessing),
	string(JobStatusCompleted),
	string(JobStatusFailed),
	string(JobStatusTimeout),
}
