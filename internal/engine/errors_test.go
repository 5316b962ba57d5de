package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tubefetch/tubefetch/internal/engine/transfer"
	"github.com/tubefetch/tubefetch/internal/ffmpeg"
	"github.com/tubefetch/tubefetch/internal/innertube"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{
			name: "nil passes through",
			in:   nil,
			want: nil,
		},
		{
			name: "taxonomy errors pass through",
			in:   ErrFormatNotAvailable,
			want: ErrFormatNotAvailable,
		},
		{
			name: "wrapped cancellation stays cancellation",
			in:   fmt.Errorf("chunk loop: %w", ErrCancelled),
			want: ErrCancelled,
		},
		{
			name: "no usable streams maps to format not available",
			in:   innertube.ErrNoUsableStreams,
			want: ErrFormatNotAvailable,
		},
		{
			name: "no player response maps to unavailable",
			in:   innertube.ErrNoPlayerResponse,
			want: ErrVideoUnavailable,
		},
		{
			name: "login required maps to private",
			in:   &innertube.PlayabilityError{Status: "LOGIN_REQUIRED", Reason: "Sign in"},
			want: ErrPlaylistPrivate,
		},
		{
			name: "unplayable maps to unavailable",
			in:   &innertube.PlayabilityError{Status: "UNPLAYABLE", Reason: "gone"},
			want: ErrVideoUnavailable,
		},
		{
			name: "http 429 maps to throttled",
			in:   &transfer.StatusError{Status: 429},
			want: ErrThrottled,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.in)
			if tc.want == nil {
				assert.NoError(t, got)

				return
			}

			assert.ErrorIs(t, got, tc.want)
		})
	}
}

func TestClassify_WrapsTransportFailuresAsNetwork(t *testing.T) {
	var netErr *NetworkError

	got := Classify(&transfer.StatusError{Status: 404})
	require.ErrorAs(t, got, &netErr)

	got = Classify(&url.Error{Op: "Get", URL: "http://example.com", Err: errors.New("connection refused")})
	require.ErrorAs(t, got, &netErr)

	got = Classify(transfer.ErrEmptyResponse)
	require.ErrorAs(t, got, &netErr)
	assert.ErrorIs(t, got, transfer.ErrEmptyResponse)
}

func TestClassify_ConversionAndStoragePassThrough(t *testing.T) {
	conv := &ffmpeg.ConversionError{Output: "boom", Err: errors.New("exit status 1")}
	assert.Equal(t, error(conv), Classify(conv))

	st := &StorageError{Op: "rename", Cause: errors.New("read-only fs")}
	assert.Equal(t, error(st), Classify(st))
}

func TestClassify_UnknownWrapped(t *testing.T) {
	var unknown *UnknownError

	got := Classify(errors.New("something odd"))
	require.ErrorAs(t, got, &unknown)
	assert.Contains(t, got.Error(), "something odd")
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(ErrCancelled))
	assert.True(t, IsCancelled(fmt.Errorf("wrapped: %w", ErrCancelled)))
	assert.False(t, IsCancelled(context.Canceled))
	assert.False(t, IsCancelled(nil))
}
