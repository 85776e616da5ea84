package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/lsh908400/portfolio-be/internal/logging"
	"github.com/lsh908400/portfolio-be/internal/metrics"
	"github.com/lsh908400/portfolio-be/internal/progress"
)

// FileRequest describes a single-file transfer.
type FileRequest struct {
	Path        string // absolute, already sandboxed
	FileName    string // display name for Content-Disposition
	ContentType string
	DownloadID  string

	// Optional byte range [RangeStart, RangeEnd], inclusive.
	HasRange   bool
	RangeStart int64
	RangeEnd   int64
}

// FileStreamer streams one file to the response in small chunks, emitting
// progress on a fixed tick and exactly one terminal event.
type FileStreamer struct {
	reporter *progress.Reporter
}

// NewFileStreamer creates a file streamer bound to a reporter.
func NewFileStreamer(reporter *progress.Reporter) *FileStreamer {
	return &FileStreamer{reporter: reporter}
}

// Stream validates the request, writes response headers and streams the
// file. Validation failures (ErrNotFound, ErrRangeNotSatisfiable) are
// returned before any byte or event is produced; once streaming has begun
// failures surface only as the session's terminal event.
func (s *FileStreamer) Stream(ctx context.Context, w http.ResponseWriter, req FileRequest) error {
	info, err := os.Stat(req.Path)
	if err != nil || info.IsDir() {
		return ErrNotFound
	}
	fileSize := info.Size()

	offset := int64(0)
	sendTotal := fileSize
	if req.HasRange {
		if req.RangeStart < 0 || req.RangeStart > req.RangeEnd || req.RangeEnd >= fileSize {
			return ErrRangeNotSatisfiable
		}
		offset = req.RangeStart
		sendTotal = req.RangeEnd - req.RangeStart + 1
	}

	f, err := os.Open(req.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", req.FileName, err)
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("seek %s: %w", req.FileName, err)
		}
	}

	w.Header().Set("Content-Type", req.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", req.FileName))
	w.Header().Set("Accept-Ranges", "bytes")
	if req.HasRange {
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", req.RangeStart, req.RangeEnd, fileSize))
		w.Header().Set("Content-Length", strconv.FormatInt(sendTotal, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(sendTotal, 10))
		w.WriteHeader(http.StatusOK)
	}

	metrics.RecordDownloadStart("file")
	s.reporter.StartFile(req.DownloadID, req.FileName, uint64(sendTotal))

	var transferred counter
	ticker := startProgressTicker(func() {
		s.reporter.Progress(req.DownloadID,
			percent(transferred.value(), uint64(sendTotal)), transferred.value())
	})

	finish := func(terminal func() bool, status string) {
		ticker.Stop()
		terminal()
		metrics.RecordDownloadEnd("file", status, int64(transferred.value()))
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, chunkSize)
	remaining := sendTotal
	for remaining > 0 {
		if ctx.Err() != nil {
			finish(func() bool { return s.reporter.Canceled(req.DownloadID) }, "canceled")
			return nil
		}

		n := chunkSize
		if remaining < int64(n) {
			n = int(remaining)
		}
		rn, readErr := io.ReadFull(f, buf[:n])
		if rn > 0 {
			if _, writeErr := w.Write(buf[:rn]); writeErr != nil {
				// A failed write after the transport closed is a cancel, not
				// an I/O failure.
				if ctx.Err() != nil {
					finish(func() bool { return s.reporter.Canceled(req.DownloadID) }, "canceled")
					return nil
				}
				finish(func() bool { return s.reporter.Error(req.DownloadID, writeErr) }, "error")
				return fmt.Errorf("write %s: %w", req.FileName, writeErr)
			}
			transferred.add(rn)
			remaining -= int64(rn)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			err := fmt.Errorf("read %s: %w", req.FileName, readErr)
			finish(func() bool { return s.reporter.Error(req.DownloadID, err) }, "error")
			return err
		}
	}

	finish(func() bool { return s.reporter.CompleteFile(req.DownloadID, uint64(sendTotal)) }, "complete")
	logging.Debug("file transfer complete",
		zap.String("download_id", req.DownloadID),
		zap.String("file", req.FileName),
		zap.Int64("bytes", sendTotal))
	return nil
}
