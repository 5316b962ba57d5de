// Package ffmpeg shells out to an external ffmpeg binary for the two media
// transforms the engine needs: audio transcode and stream-copy muxing.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/tubefetch/tubefetch/internal/logctx"
)

// audioBitrate is the fixed transcode target for audio output.
const audioBitrate = "192k"

// ConversionError reports a non-zero exit from the external tool, carrying
// its diagnostic output.
type ConversionError struct {
	Output string
	Err    error
}

func (e *ConversionError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 512 {
		out = out[len(out)-512:]
	}

	return fmt.Sprintf("conversion failed: %s", out)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// Runner executes one external process to completion and returns its exit
// code together with captured stderr. Factored out so command construction
// can be tested without spawning processes.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (exitCode int, stderr string, err error)
}

// ExecRunner runs processes via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (int, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), errBuf.String(), nil
		}

		return -1, errBuf.String(), err
	}

	return 0, errBuf.String(), nil
}

// Converter wraps an ffmpeg binary.
type Converter struct {
	binaryPath string
	runner     Runner
}

func NewConverter(binaryPath string, runner Runner) *Converter {
	if binaryPath == "" {
		binaryPath = "ffmpeg"
	}

	if runner == nil {
		runner = ExecRunner{}
	}

	return &Converter{binaryPath: binaryPath, runner: runner}
}

// ConvertToMP3 transcodes the downloaded audio stream into an MP3 file.
func (c *Converter) ConvertToMP3(ctx context.Context, inputPath, outputPath string) error {
	return c.run(ctx,
		"-y",
		"-i", inputPath,
		"-vn",
		"-acodec", "libmp3lame",
		"-b:a", audioBitrate,
		outputPath,
	)
}

// Mux combines separately downloaded video and audio elementary streams into
// one container without re-encoding.
func (c *Converter) Mux(ctx context.Context, videoPath, audioPath, outputPath string) error {
	return c.run(ctx,
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-c", "copy",
		outputPath,
	)
}

func (c *Converter) run(ctx context.Context, args ...string) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.DebugContext(ctx, "running ffmpeg", "args", strings.Join(args, " "))

	exitCode, stderr, err := c.runner.Run(ctx, c.binaryPath, args...)
	if err != nil {
		return &ConversionError{Output: stderr, Err: err}
	}

	if exitCode != 0 {
		return &ConversionError{Output: stderr, Err: fmt.Errorf("%s exited with code %d", c.binaryPath, exitCode)}
	}

	return nil
}
