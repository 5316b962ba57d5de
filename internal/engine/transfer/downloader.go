package transfer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/dustin/go-humanize"
	"github.com/tubefetch/tubefetch/internal/logctx"
	"golang.org/x/time/rate"
)

// Transfer loop errors.
var (
	// ErrCancelled reports a cooperative cancellation through the Control.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrEmptyResponse reports a run that moved zero bytes overall.
	ErrEmptyResponse = errors.New("empty response body")

	// ErrValidatorMismatch reports that the remote entity changed since the
	// resume snapshot was taken; the partial file cannot be appended to.
	ErrValidatorMismatch = errors.New("remote entity changed since resume state was saved")
)

// Validators are the entity validators captured from a previous run's first
// chunk. A resume attempt presents them so the loop can detect that the
// entity behind the URL has been replaced.
type Validators struct {
	ETag         string
	LastModified string
}

// matches compares against fresh validators. ETag wins when both sides have
// one; Last-Modified is the fallback; with nothing comparable the resume is
// accepted as-is.
func (v *Validators) matches(eTag, lastModified string) bool {
	if v.ETag != "" && eTag != "" {
		return v.ETag == eTag
	}

	if v.LastModified != "" && lastModified != "" {
		return v.LastModified == lastModified
	}

	return true
}

// StatusError reports a chunk fetch that failed with a non-refreshable HTTP
// status (or a 403 after the refresh budget ran out).
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chunk fetch returned HTTP %d", e.Status)
}

// Config tunes the transfer loop. The URL-budget numbers are empirical
// observations against one CDN client identity, not protocol guarantees,
// which is why they are configuration rather than constants.
type Config struct {
	// ChunkSize is the nominal per-request range size. Default 10 MiB.
	ChunkSize int64

	// URLBudgetThreshold is the cumulative byte count under one URL after
	// which a proactive refresh is requested, staying below the CDN's
	// observed ~20 MiB per-URL budget. Default 15 MiB.
	URLBudgetThreshold int64

	// MaxURLRefreshes bounds refreshes per download so a persistently
	// failing backend cannot loop forever. Default 100.
	MaxURLRefreshes int
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 10 << 20
	}

	if c.URLBudgetThreshold <= 0 {
		c.URLBudgetThreshold = 15 << 20
	}

	if c.MaxURLRefreshes <= 0 {
		c.MaxURLRefreshes = 100
	}

	return c
}

// RefreshFunc obtains a fresh CDN URL for the same format when the current
// grant is exhausted or close to it. Returning an empty string means no fresh
// URL is available; the loop keeps the current one.
type RefreshFunc func(ctx context.Context) (string, error)

// ProgressFunc observes cumulative downloaded bytes. total is 0 while the
// overall size is still unknown.
type ProgressFunc func(downloaded, total int64)

// Result is the outcome of a completed transfer.
type Result struct {
	Path            string
	TotalBytes      int64 // 0 when never discovered
	DownloadedBytes int64
	ETag            string
	LastModified    string
}

// Downloader drives the chunk loop over a ChunkTransport: sizing, pause and
// cancel checkpoints, URL refresh, retry, and completion detection.
type Downloader struct {
	transport ChunkTransport
	control   *Control
	limiter   *rate.Limiter
	cfg       Config
}

// NewDownloader builds a Downloader. limiter may be nil for unthrottled
// transfers.
func NewDownloader(transport ChunkTransport, control *Control, limiter *rate.Limiter, cfg Config) *Downloader {
	return &Downloader{
		transport: transport,
		control:   control,
		limiter:   limiter,
		cfg:       cfg.withDefaults(),
	}
}

// Download transfers url into destPath starting at resumeOffset. Bytes below
// the offset are never rewritten; the file is appended from the first chunk
// when resuming. Validator fields are captured from the first chunk only;
// when expect is non-nil and the transfer resumes mid-file, the first chunk's
// validators must match or the transfer fails with ErrValidatorMismatch.
func (d *Downloader) Download(
	ctx context.Context,
	url, destPath string,
	resumeOffset int64,
	expect *Validators,
	refresh RefreshFunc,
	onProgress ProgressFunc,
) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	downloaded := resumeOffset
	currentURL := url

	var (
		totalBytes   int64
		eTag         string
		lastModified string
		bytesWithURL int64
		refreshCount int
	)

	firstChunk := true

	for {
		if d.control.Cancelled() || ctx.Err() != nil {
			break
		}

		if d.control.Wait(ctx) == StateCancelled {
			break
		}

		if refresh != nil && bytesWithURL >= d.cfg.URLBudgetThreshold && refreshCount < d.cfg.MaxURLRefreshes {
			logger.DebugContext(ctx, "proactive url refresh",
				"bytes_with_url", humanize.Bytes(uint64(bytesWithURL)),
				"refresh_count", refreshCount+1,
			)

			if fresh, err := refresh(ctx); err == nil && fresh != "" {
				currentURL = fresh
				bytesWithURL = 0
				refreshCount++
			} else {
				logger.DebugContext(ctx, "url refresh yielded nothing, keeping current url", "err", err)
			}
		}

		chunkSize := d.cfg.ChunkSize
		if !firstChunk {
			// Jitter after the first chunk so the request cadence is not
			// fully deterministic.
			chunkSize = int64(float64(chunkSize) * (0.95 + 0.05*rand.Float64()))
		}

		chunkStart := downloaded

		rangeEnd := chunkStart + chunkSize - 1
		if totalBytes > 0 && rangeEnd > totalBytes-1 {
			rangeEnd = totalBytes - 1
		}

		appendFile := !firstChunk || resumeOffset > 0

		result, err := d.transport.FetchChunk(ctx, currentURL, destPath, downloaded, rangeEnd, appendFile, func(n int64) error {
			if d.limiter != nil {
				if err := d.limiter.WaitN(ctx, int(n)); err != nil {
					return err
				}
			}

			downloaded += n

			if onProgress != nil {
				onProgress(downloaded, totalBytes)
			}

			return nil
		})
		if err != nil {
			if d.control.Cancelled() {
				break
			}

			return nil, fmt.Errorf("chunk transfer failed: %w", err)
		}

		if result.Status == 403 && refresh != nil && refreshCount < d.cfg.MaxURLRefreshes {
			logger.DebugContext(ctx, "url budget exhausted, refreshing",
				"bytes_with_url", humanize.Bytes(uint64(bytesWithURL)),
				"refresh_count", refreshCount+1,
			)

			fresh, refreshErr := refresh(ctx)
			if refreshErr == nil && fresh != "" {
				currentURL = fresh
				bytesWithURL = 0
				refreshCount++

				// Retry the same range with the fresh URL.
				continue
			}

			logger.DebugContext(ctx, "url refresh failed, giving up", "err", refreshErr)
		}

		if result.Status < 200 || result.Status > 299 {
			return nil, &StatusError{Status: result.Status}
		}

		bytesWithURL += result.BytesWritten

		if totalBytes == 0 {
			totalBytes = result.TotalSize
		}

		if firstChunk {
			if resumeOffset > 0 && expect != nil && !expect.matches(result.ETag, result.LastModified) {
				return nil, fmt.Errorf("%w: etag %q, last-modified %q", ErrValidatorMismatch, result.ETag, result.LastModified)
			}

			eTag = result.ETag
			lastModified = result.LastModified
		}

		firstChunk = false

		if totalBytes > 0 && downloaded >= totalBytes {
			break
		}

		if result.BytesWritten < rangeEnd-chunkStart+1 {
			// Short chunk means the stream ended.
			break
		}
	}

	if d.control.Cancelled() || ctx.Err() != nil {
		return nil, ErrCancelled
	}

	if downloaded == resumeOffset {
		return nil, ErrEmptyResponse
	}

	return &Result{
		Path:            destPath,
		TotalBytes:      totalBytes,
		DownloadedBytes: downloaded,
		ETag:            eTag,
		LastModified:    lastModified,
	}, nil
}
