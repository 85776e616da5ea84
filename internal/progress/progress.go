// Package progress fans transfer events out to the session topic while
// recording them in the session registry, and derives the reduced history
// replay served to late joiners.
package progress

import (
	"time"

	"github.com/lsh908400/portfolio-be/internal/events"
	"github.com/lsh908400/portfolio-be/internal/metrics"
	"github.com/lsh908400/portfolio-be/internal/quota"
	"github.com/lsh908400/portfolio-be/internal/session"
)

// Event names on the realtime channel.
const (
	EventAnalyzing     = "download:analyzing"
	EventStart         = "download:start"
	EventProgress      = "download:progress"
	EventFileProcessed = "download:file-processed"
	EventComplete      = "download:complete"
	EventError         = "download:error"
	EventCanceled      = "download:canceled"
	EventStatus        = "download:status"
)

// Reporter publishes transfer events. Every emission merges the session
// snapshot, appends to its history and publishes to the session topic, in
// that order; snapshot and history move together.
type Reporter struct {
	store       session.Store
	broadcaster *events.Broadcaster
	retention   time.Duration
}

// NewReporter creates a Reporter. retention is how long terminal sessions
// stay queryable before eviction.
func NewReporter(store session.Store, b *events.Broadcaster, retention time.Duration) *Reporter {
	return &Reporter{store: store, broadcaster: b, retention: retention}
}

func (r *Reporter) emit(id, name string, data map[string]any, update session.Update) {
	data["downloadId"] = id
	// A refused append means the session is unknown or already terminal;
	// nothing goes on the wire then.
	if !r.store.Append(id, session.Event{Name: name, Data: data, Timestamp: time.Now()}, update) {
		return
	}
	r.broadcaster.Publish(id, events.Message{Event: name, Data: data})
	metrics.RecordEventPublished(name)
}

// terminal appends exactly one terminal event per session. Returns false when
// the session is unknown or already terminal; nothing is published then.
func (r *Reporter) terminal(id, name string, data map[string]any, status session.Status) bool {
	data["downloadId"] = id
	update := session.Update{
		Status:      session.StatusOf(status),
		IsCompleted: session.Bool(true),
	}
	if status == session.StatusComplete {
		update.CurrentProgress = session.Int(100)
	}
	if !r.store.Terminate(id, session.Event{Name: name, Data: data, Timestamp: time.Now()}, update) {
		return false
	}
	r.broadcaster.Publish(id, events.Message{Event: name, Data: data})
	metrics.RecordEventPublished(name)
	r.store.ScheduleEviction(id, r.retention)
	return true
}

// Analyzing reports the pre-transfer directory walk of an archive download.
func (r *Reporter) Analyzing(id string) {
	r.emit(id, EventAnalyzing, map[string]any{
		"status": string(session.StatusAnalyzing),
	}, session.Update{Status: session.StatusOf(session.StatusAnalyzing)})
}

// StartFile reports the first bytes of a single-file transfer.
func (r *Reporter) StartFile(id, fileName string, totalSize uint64) {
	r.emit(id, EventStart, map[string]any{
		"fileName":           fileName,
		"totalSize":          totalSize,
		"totalSizeFormatted": quota.FormatBytes(totalSize),
		"progress":           0,
	}, session.Update{
		Status:          session.StatusOf(session.StatusDownloading),
		CurrentProgress: session.Int(0),
	})
}

// StartArchive reports the start of archive streaming with the totals
// precomputed by the analysis walk.
func (r *Reporter) StartArchive(id, fileName string, totalSize uint64, totalFiles int) {
	r.emit(id, EventStart, map[string]any{
		"fileName":           fileName,
		"totalSize":          totalSize,
		"totalSizeFormatted": quota.FormatBytes(totalSize),
		"totalFiles":         totalFiles,
		"progress":           0,
	}, session.Update{
		Status:          session.StatusOf(session.StatusCompressing),
		CurrentProgress: session.Int(0),
	})
}

// Progress reports cumulative transfer progress (non-decreasing per session).
func (r *Reporter) Progress(id string, percent int, transferred uint64) {
	r.emit(id, EventProgress, map[string]any{
		"progress":             percent,
		"transferred":          transferred,
		"transferredFormatted": quota.FormatBytes(transferred),
	}, session.Update{CurrentProgress: session.Int(percent)})
}

// FileProcessed reports one archive entry fully written.
func (r *Reporter) FileProcessed(id, entryName string, processed, totalFiles, percent int) {
	r.emit(id, EventFileProcessed, map[string]any{
		"fileName":       entryName,
		"processedFiles": processed,
		"totalFiles":     totalFiles,
		"progress":       percent,
	}, session.Update{CurrentProgress: session.Int(percent)})
}

// CompleteFile finishes a single-file transfer.
func (r *Reporter) CompleteFile(id string, totalSize uint64) bool {
	return r.terminal(id, EventComplete, map[string]any{
		"totalSize":          totalSize,
		"totalSizeFormatted": quota.FormatBytes(totalSize),
		"progress":           100,
		"isCompleted":        true,
	}, session.StatusComplete)
}

// CompleteArchive finishes an archive transfer with compression figures.
func (r *Reporter) CompleteArchive(id string, originalSize, compressedSize uint64, ratio int) bool {
	return r.terminal(id, EventComplete, map[string]any{
		"totalSize":          originalSize,
		"totalSizeFormatted": quota.FormatBytes(originalSize),
		"compressedSize":     compressedSize,
		"compressionRatio":   ratio,
		"progress":           100,
		"isCompleted":        true,
	}, session.StatusComplete)
}

// Error finishes a transfer with an I/O or archiving failure.
func (r *Reporter) Error(id string, err error) bool {
	return r.terminal(id, EventError, map[string]any{
		"error": err.Error(),
	}, session.StatusError)
}

// Canceled finishes a transfer aborted by the client disconnecting.
func (r *Reporter) Canceled(id string) bool {
	return r.terminal(id, EventCanceled, map[string]any{
		"status": string(session.StatusCanceled),
	}, session.StatusCanceled)
}

// StatusData builds the download:status payload for a session snapshot.
func StatusData(s session.Session) map[string]any {
	return map[string]any{
		"downloadId":      s.DownloadID,
		"status":          string(s.Status),
		"isCompleted":     s.IsCompleted,
		"ready":           s.Ready,
		"currentProgress": s.CurrentProgress,
		"fileName":        s.FileName,
		"isFile":          s.IsFile,
	}
}

// UnknownStatusData builds the download:status payload for an unknown id.
func UnknownStatusData(id string) map[string]any {
	return map[string]any{
		"downloadId": id,
		"status":     string(session.StatusUnknown),
	}
}

// replayThresholds are the progress crossings replayed to late joiners.
var replayThresholds = []int{25, 50, 75}

// ReplaySequence reduces a completed session's history to the deterministic
// subsequence replayed to late joiners: the start event, the first progress
// event at or past each of 25/50/75 percent, and the terminal event.
func ReplaySequence(history []session.Event) []session.Event {
	var out []session.Event
	next := 0
	for _, ev := range history {
		switch ev.Name {
		case EventStart:
			out = append(out, ev)
		case EventProgress:
			if next >= len(replayThresholds) {
				continue
			}
			percent, ok := eventPercent(ev)
			if !ok {
				continue
			}
			if percent >= replayThresholds[next] {
				out = append(out, ev)
				for next < len(replayThresholds) && percent >= replayThresholds[next] {
					next++
				}
			}
		case EventComplete, EventError, EventCanceled:
			out = append(out, ev)
		}
	}
	return out
}

func eventPercent(ev session.Event) (int, bool) {
	switch v := ev.Data["progress"].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
