package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imalyk/go-video-preview/pkg/config"
	"github.com/imalyk/go-video-preview/pkg/preview"
)

func TestParseProcessFlags(t *testing.T) {
	file := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "test"})
	require.NoError(t, err)

	kctx, err := parser.Parse([]string{"process", file, "--height", "360", "--watermark", "SAMPLE", "--timeout", "90s", "--no-progress"})
	require.NoError(t, err)
	assert.Equal(t, "process <file>", kctx.Command())
	assert.Equal(t, file, cli.Process.File)
	assert.Equal(t, 360, cli.Process.Height)
	assert.Equal(t, "SAMPLE", cli.Process.Watermark)
	assert.Equal(t, 90*time.Second, cli.Process.Timeout)
	assert.True(t, cli.Process.NoProgress)
}

func TestParseRejectsMissingFile(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "test"})
	require.NoError(t, err)

	_, err = parser.Parse([]string{"probe", filepath.Join(t.TempDir(), "missing.mp4")})
	assert.Error(t, err)
}

func TestCheckReportsMissingBinary(t *testing.T) {
	cfg := config.FromEnv(func(key string) string {
		switch key {
		case "FFMPEG_PATH":
			return "definitely-not-ffmpeg"
		case "FFPROBE_PATH":
			return "definitely-not-ffprobe"
		}
		return ""
	})
	err := (&CheckCmd{}).Run(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in PATH")
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	m := preview.VideoMetadata{Filename: "a.mp4", Duration: 3, Width: 640, Height: 360, FPS: 25, SizeMB: 1.5}
	require.NoError(t, printJSON(&buf, m.Display()))
	assert.JSONEq(t, `{
		"filename": "a.mp4",
		"duration": "3.00 seconds",
		"resolution": "640x360",
		"fps": "25.00",
		"filesize": "1.50 MB"
	}`, buf.String())
}
