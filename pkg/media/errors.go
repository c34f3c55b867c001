package media

import (
	"fmt"
	"regexp"
	"strings"
)

const maxStderr = 1024

// ExecError carries the captured stderr of a failed ffmpeg or ffprobe run.
type ExecError struct {
	Tool   string
	Stderr string
	Err    error
}

func (e *ExecError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s: %v - %s", e.Tool, e.Err, e.Stderr)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Pre-compiled patterns for classifying ffmpeg stderr. Checked by
// ClassifyStderr in order: resource exhaustion first, then bad input.
var (
	reResourceIssue = regexp.MustCompile(
		`(?i)No space left on device|Disk quota exceeded|` +
			`Permission denied|Read-only file system|` +
			`Could not open file|Error opening output|Cannot allocate memory`)

	reInputIssue = regexp.MustCompile(
		`(?i)Invalid data found when processing input|moov atom not found|` +
			`could not find codec parameters|Decoder \(codec .*\) not found|` +
			`Unsupported codec|Error while decoding|End of file`)
)

// Class is the coarse category of an ffmpeg failure.
type Class int

const (
	ClassUnknown Class = iota
	ClassResource
	ClassInput
)

// ClassifyStderr maps ffmpeg stderr text onto a failure class.
func ClassifyStderr(stderr string) Class {
	switch {
	case reResourceIssue.MatchString(stderr):
		return ClassResource
	case reInputIssue.MatchString(stderr):
		return ClassInput
	default:
		return ClassUnknown
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
