package domain

import "time"

type JobState string

const (
	JobQueued   JobState = "queued"
	JobStarted  JobState = "started"
	JobFinished JobState = "finished"
	JobFailed   JobState = "failed"
	JobUnknown  JobState = "unknown"
)

// Terminal reports whether no further transitions happen from s.
func (s JobState) Terminal() bool {
	return s == JobFinished || s == JobFailed
}

// JobStatus is the durable view of a background job.
type JobStatus struct {
	ID        string    `json:"id"`
	Task      string    `json:"task"`
	Status    JobState  `json:"status"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// JobPoll is the response shape returned to clients polling a job.
type JobPoll struct {
	Status JobState `json:"status"`
	Result string   `json:"result,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// Poll converts a job status into the polling response.
func (j JobStatus) Poll() JobPoll {
	p := JobPoll{Status: j.Status}
	switch j.Status {
	case JobFinished:
		p.Result = j.Result
	case JobFailed:
		p.Error = j.Error
	}
	return p
}

// LearningLogEntry is one line of the daily learning log.
type LearningLogEntry struct {
	Timestamp     string         `json:"timestamp"`
	StudentNumber string         `json:"student_number"`
	ClassNum      *int           `json:"class_num"`
	SeatNum       *int           `json:"seat_num"`
	ClassDisplay  string         `json:"class_display"`
	Unit          string         `json:"unit"`
	LogType       string         `json:"log_type"`
	Data          map[string]any `json:"data"`
}

// ErrorLogEntry records a failure a student ran into.
type ErrorLogEntry struct {
	Timestamp      string         `json:"timestamp"`
	StudentNumber  string         `json:"student_number"`
	ClassNumber    string         `json:"class_number"`
	ClassDisplay   string         `json:"class_display"`
	ErrorMessage   string         `json:"error_message"`
	ErrorType      string         `json:"error_type"`
	Stage          string         `json:"stage"`
	Unit           string         `json:"unit"`
	AdditionalInfo map[string]any `json:"additional_info"`
}
