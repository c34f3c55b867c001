package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// RunInput describes one ffmpeg invocation that reports progress on stdout.
type RunInput struct {
	Bin         string
	Args        []string
	Duration    float64 // seconds, 0 when unknown
	MinInterval time.Duration
	OnProgress  func(int64)
}

// Run executes ffmpeg and returns once the process has exited and its pipes
// are closed. The process is killed when ctx is done.
func Run(ctx context.Context, in RunInput) error {
	cmd := exec.CommandContext(ctx, in.Bin, in.Args...)
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start: %w", err)
	}

	consumeProgress(stdout, in.Duration, in.MinInterval, in.OnProgress)
	// Drain anything left so Wait never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, stdout)

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &ExecError{Tool: "ffmpeg", Stderr: truncate(stderr.String(), maxStderr), Err: err}
	}

	if in.OnProgress != nil {
		in.OnProgress(100)
	}
	return nil
}

// consumeProgress reads ffmpeg "-progress" key=value lines until "progress=end"
// or EOF, emitting a percentage whenever it advances by at least one point or
// minInterval has elapsed.
func consumeProgress(r io.Reader, duration float64, minInterval time.Duration, emit func(int64)) {
	scanner := bufio.NewScanner(r)

	var last int64 = -1
	lastEmit := time.Now()

	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}

		switch key {
		case "out_time_us", "out_time_ms":
			// ffmpeg reports out_time_ms in microseconds as well.
			if duration <= 0 || emit == nil {
				continue
			}
			us, err := strconv.ParseFloat(value, 64)
			if err != nil {
				continue
			}
			current := percent(us/1e6, duration)
			if current-last >= 1 || (current != last && time.Since(lastEmit) > minInterval) {
				last = current
				lastEmit = time.Now()
				emit(current)
			}
		case "progress":
			if value == "end" {
				return
			}
		}
	}
}

func percent(elapsed, duration float64) int64 {
	return int64(math.Min(100, math.Max(0, elapsed/duration*100)))
}
