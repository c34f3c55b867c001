package media

import (
	"fmt"
	"os/exec"
	"runtime"
)

// CheckBinaries verifies that the ffmpeg and ffprobe executables resolve.
func CheckBinaries(ffmpegPath, ffprobePath string) error {
	if _, err := exec.LookPath(ffprobePath); err != nil {
		return fmt.Errorf("%s not found in PATH. %s", ffprobePath, installHint())
	}
	if _, err := exec.LookPath(ffmpegPath); err != nil {
		return fmt.Errorf("%s not found in PATH. %s", ffmpegPath, installHint())
	}
	return nil
}

func installHint() string {
	switch runtime.GOOS {
	case "darwin":
		return "Install with: brew install ffmpeg"
	case "linux":
		return "Install with: apt-get install ffmpeg (Ubuntu/Debian) or dnf install ffmpeg (Fedora)"
	default:
		return "Download from https://ffmpeg.org/download.html"
	}
}
