package transfer

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
	"go.uber.org/zap"

	"github.com/lsh908400/portfolio-be/internal/logging"
	"github.com/lsh908400/portfolio-be/internal/metrics"
	"github.com/lsh908400/portfolio-be/internal/progress"
	"github.com/lsh908400/portfolio-be/internal/quota"
)

// ArchiveRequest describes a whole-directory zip transfer.
type ArchiveRequest struct {
	Dir        string // absolute, already sandboxed
	FileName   string // display name; ".zip" is appended
	DownloadID string
}

// ArchiveStreamer walks a directory once to size it, then streams a deflate
// archive entry-by-entry straight to the transport. Nothing touches disk.
type ArchiveStreamer struct {
	reporter *progress.Reporter
}

// NewArchiveStreamer creates an archive streamer bound to a reporter.
func NewArchiveStreamer(reporter *progress.Reporter) *ArchiveStreamer {
	return &ArchiveStreamer{reporter: reporter}
}

// analyze precomputes the totals that percentage progress is measured
// against: compressed sizes are unknown up front, so percent is always
// derived from original bytes. Sidecar config files are excluded.
func analyze(dir string) (totalFiles int, totalSize uint64, err error) {
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() == quota.ConfigFileName {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		totalFiles++
		totalSize += uint64(info.Size())
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("analyze %s: %w", dir, err)
	}
	return totalFiles, totalSize, nil
}

// Stream archives the directory to the response. ErrNotFound is returned
// before any byte or event is produced; later failures surface only as the
// session's terminal event.
func (s *ArchiveStreamer) Stream(ctx context.Context, w http.ResponseWriter, req ArchiveRequest) error {
	info, err := os.Stat(req.Dir)
	if err != nil || !info.IsDir() {
		return ErrNotFound
	}

	s.reporter.Analyzing(req.DownloadID)
	totalFiles, totalSize, err := analyze(req.Dir)
	if err != nil {
		s.reporter.Error(req.DownloadID, err)
		return err
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", req.FileName+".zip"))
	w.WriteHeader(http.StatusOK)

	metrics.RecordDownloadStart("archive")
	s.reporter.StartArchive(req.DownloadID, req.FileName, totalSize, totalFiles)

	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	var transferred counter
	ticker := startProgressTicker(func() {
		s.reporter.Progress(req.DownloadID,
			percent(transferred.value(), totalSize), transferred.value())
	})

	finish := func(terminal func() bool, status string) {
		ticker.Stop()
		terminal()
		metrics.RecordDownloadEnd("archive", status, cw.n)
	}

	flusher, _ := w.(http.Flusher)
	processed := 0
	buf := make([]byte, chunkSize)

	walkErr := filepath.WalkDir(req.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || d.Name() == quota.ConfigFileName {
			return nil
		}

		rel, err := filepath.Rel(req.Dir, p)
		if err != nil {
			return err
		}
		entryInfo, err := d.Info()
		if err != nil {
			return err
		}

		hdr := &zip.FileHeader{
			Name:     filepath.ToSlash(rel),
			Method:   zip.Deflate,
			Modified: entryInfo.ModTime(),
		}
		entry, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()

		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rn, readErr := f.Read(buf)
			if rn > 0 {
				if _, writeErr := entry.Write(buf[:rn]); writeErr != nil {
					return writeErr
				}
				transferred.add(rn)
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				return readErr
			}
		}

		processed++
		s.reporter.FileProcessed(req.DownloadID, hdr.Name, processed, totalFiles,
			percent(transferred.value(), totalSize))
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})

	if walkErr != nil {
		if ctx.Err() != nil {
			// Transport closed: abort the archive without finalizing it.
			finish(func() bool { return s.reporter.Canceled(req.DownloadID) }, "canceled")
			return nil
		}
		err := fmt.Errorf("archive %s: %w", req.FileName, walkErr)
		finish(func() bool { return s.reporter.Error(req.DownloadID, err) }, "error")
		return err
	}

	if err := zw.Close(); err != nil {
		if ctx.Err() != nil {
			finish(func() bool { return s.reporter.Canceled(req.DownloadID) }, "canceled")
			return nil
		}
		err = fmt.Errorf("finalize archive %s: %w", req.FileName, err)
		finish(func() bool { return s.reporter.Error(req.DownloadID, err) }, "error")
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}

	ratio := 0
	if totalSize > 0 {
		ratio = int((uint64(cw.n)*100 + totalSize/2) / totalSize)
	}
	finish(func() bool {
		return s.reporter.CompleteArchive(req.DownloadID, totalSize, uint64(cw.n), ratio)
	}, "complete")
	logging.Debug("archive transfer complete",
		zap.String("download_id", req.DownloadID),
		zap.String("dir", req.FileName),
		zap.Int("files", totalFiles),
		zap.Uint64("original_bytes", totalSize),
		zap.Int64("compressed_bytes", cw.n))
	return nil
}
