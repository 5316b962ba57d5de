package engine

import (
	"context"

	"github.com/tubefetch/tubefetch/internal/engine/transfer"
	"github.com/tubefetch/tubefetch/internal/telemetry"
)

// instrumentedTransport wraps a ChunkTransport and counts chunk fetches by
// outcome class.
type instrumentedTransport struct {
	inner transfer.ChunkTransport
	tel   *telemetry.Telemetry
}

func (t *instrumentedTransport) FetchChunk(
	ctx context.Context,
	url, destPath string,
	start, end int64,
	appendFile bool,
	onWrite func(n int64) error,
) (transfer.ChunkResult, error) {
	result, err := t.inner.FetchChunk(ctx, url, destPath, start, end, appendFile, onWrite)

	switch {
	case err != nil:
		t.tel.RecordChunkFetch("error")
	case result.Status >= 200 && result.Status <= 299:
		t.tel.RecordChunkFetch("ok")
	default:
		t.tel.RecordChunkFetch("rejected")
	}

	return result, err
}
