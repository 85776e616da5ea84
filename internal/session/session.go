// Package session tracks in-flight and recently finished download sessions
// together with their ordered event history.
package session

import "time"

// Status is the lifecycle state of a download session.
type Status string

const (
	StatusPreparing   Status = "preparing"
	StatusAnalyzing   Status = "analyzing"
	StatusDownloading Status = "downloading"
	StatusCompressing Status = "compressing"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
	StatusCanceled    Status = "canceled"
	StatusUnknown     Status = "unknown"
)

// Terminal reports whether the status ends a session.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCanceled
}

// Session is the snapshot of one download transfer.
type Session struct {
	DownloadID      string    `json:"downloadId"`
	Status          Status    `json:"status"`
	IsCompleted     bool      `json:"isCompleted"`
	Ready           bool      `json:"ready"`
	CurrentProgress int       `json:"currentProgress"`
	FilePath        string    `json:"filePath"`
	FileName        string    `json:"fileName"`
	IsFile          bool      `json:"isFile"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

// Event is one entry of a session's append-only history.
type Event struct {
	Name      string         `json:"eventName"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Update is a partial session mutation. Nil fields are left unchanged.
type Update struct {
	Status          *Status
	IsCompleted     *bool
	Ready           *bool
	CurrentProgress *int
}

func (u Update) apply(s *Session) {
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.IsCompleted != nil {
		s.IsCompleted = *u.IsCompleted
	}
	if u.Ready != nil {
		s.Ready = *u.Ready
	}
	// CurrentProgress is monotonic per session; a stale lower value from an
	// interleaved reader is ignored.
	if u.CurrentProgress != nil && *u.CurrentProgress > s.CurrentProgress {
		s.CurrentProgress = *u.CurrentProgress
	}
	s.LastUpdated = time.Now()
}

// StatusOf returns a pointer for use in Update literals.
func StatusOf(s Status) *Status { return &s }

// Bool returns a pointer for use in Update literals.
func Bool(b bool) *bool { return &b }

// Int returns a pointer for use in Update literals.
func Int(n int) *int { return &n }
