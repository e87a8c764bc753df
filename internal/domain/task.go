package domain

import (
	"strings"
	"time"
)

// Status is the lifecycle position of a task. It is a closed set; the string
// form is only used when crossing the store or API boundary.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusFetching
	StatusTranscoding
	StatusCompleted
	StatusFailed
	StatusExpired
)

var statusNames = map[Status]string{
	StatusPending:     "pending",
	StatusFetching:    "fetching",
	StatusTranscoding: "transcoding",
	StatusCompleted:   "completed",
	StatusFailed:      "failed",
	StatusExpired:     "expired",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStatus converts a stored string back into a Status.
func ParseStatus(value string) (Status, bool) {
	value = strings.ToLower(strings.TrimSpace(value))
	for status, name := range statusNames {
		if name == value {
			return status, true
		}
	}
	return 0, false
}

// IsTerminal reports whether no further edge leaves the status.
func (s Status) IsTerminal() bool {
	return s == StatusFailed || s == StatusExpired
}

// IsActive reports whether a stage is still expected to act on the task.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusFetching || s == StatusTranscoding
}

var transitions = map[Status][]Status{
	StatusPending:     {StatusFetching, StatusFailed},
	StatusFetching:    {StatusTranscoding, StatusFailed},
	StatusTranscoding: {StatusCompleted, StatusFailed},
	StatusCompleted:   {StatusExpired},
}

// CanTransition reports whether from -> to is an edge of the task state
// machine. Re-asserting the current status is always allowed so stages can
// refresh progress without a real transition.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors lists every status that may legally move to the given one,
// including the status itself.
func Predecessors(to Status) []Status {
	out := []Status{to}
	for from, nexts := range transitions {
		for _, next := range nexts {
			if next == to {
				out = append(out, from)
			}
		}
	}
	return out
}

// FileMetadata describes a published artifact. It is stored as one JSON
// sub-field of the task record.
type FileMetadata struct {
	SizeBytes     int64  `json:"file_size"`
	SizeFormatted string `json:"file_size_formatted"`
	CreatedAt     string `json:"created_at"`
	Filename      string `json:"filename"`
}

// Task is one end-to-end conversion request.
type Task struct {
	ID             string
	SourceURL      string
	Status         Status
	Progress       float64
	Message        string
	Title          string
	Channel        string
	Thumbnail      string
	FilePath       string
	FileMetadata   *FileMetadata
	DownloadCount  int
	Error          string
	RemoteLocation string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
}

// SourceMetadata is the descriptive information captured at submission.
type SourceMetadata struct {
	Title     string
	Channel   string
	Thumbnail string
}
