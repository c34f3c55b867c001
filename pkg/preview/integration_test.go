package preview

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imalyk/go-video-preview/pkg/media"
)

// requireFFmpeg skips the test unless ffmpeg and ffprobe are installed with
// the libx264 encoder and the drawtext filter.
func requireFFmpeg(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping ffmpeg test in short mode")
	}
	if err := media.CheckBinaries("ffmpeg", "ffprobe"); err != nil {
		t.Skip(err.Error())
	}
	out, err := exec.Command("ffmpeg", "-hide_banner", "-encoders").Output()
	if err != nil || !bytes.Contains(out, []byte("libx264")) {
		t.Skip("ffmpeg built without libx264")
	}
	out, err = exec.Command("ffmpeg", "-hide_banner", "-filters").Output()
	if err != nil || !bytes.Contains(out, []byte("drawtext")) {
		t.Skip("ffmpeg built without drawtext")
	}
}

// synthClip renders a test pattern with a sine tone and returns its bytes.
func synthClip(t *testing.T, w, h int, seconds float64) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.mp4")
	cmd := exec.Command("ffmpeg", "-hide_banner", "-nostdin", "-y", "-loglevel", "error",
		"-f", "lavfi", "-i", fmt.Sprintf("testsrc=size=%dx%d:rate=30:duration=%g", w, h, seconds),
		"-f", "lavfi", "-i", fmt.Sprintf("sine=frequency=440:duration=%g", seconds),
		"-c:v", "libx264", "-preset", "ultrafast", "-pix_fmt", "yuv420p",
		"-c:a", "aac", "-shortest",
		path,
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func realPipeline(t *testing.T) (*Pipeline, *media.FFprobe) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TempDir = t.TempDir()
	cfg.Timeout = 2 * time.Minute
	enc := media.NewFFmpeg("ffmpeg")
	enc.Preset = "ultrafast"
	prober := media.NewFFprobe("ffprobe")
	return New(cfg, prober, enc, nil), prober
}

func TestIntegration_DownscalePreservesTiming(t *testing.T) {
	requireFFmpeg(t)
	p, prober := realPipeline(t)
	src := synthClip(t, 1920, 1080, 2)

	res, err := p.Process(context.Background(), bytes.NewReader(src), "clip.mp4", int64(len(src)))
	require.NoError(t, err)
	defer res.Cleanup()

	assert.Equal(t, "1920x1080", res.Metadata.Resolution())
	assert.Equal(t, "30.00", res.Metadata.Display().FPS)

	out, err := prober.Probe(context.Background(), res.PreviewPath)
	require.NoError(t, err)
	assert.Equal(t, 480, out.Height)
	assert.Equal(t, 854, out.Width)
	assert.InDelta(t, res.Metadata.Duration, out.Duration, 0.15)
	assert.True(t, out.HasAudio())

	// Independent read of the scratch original matches the reported metadata.
	orig, err := prober.Probe(context.Background(), res.OriginalPath)
	require.NoError(t, err)
	assert.Equal(t, res.Metadata.Width, orig.Width)
	assert.Equal(t, res.Metadata.Height, orig.Height)
	assert.InDelta(t, res.Metadata.Duration, orig.Duration, 1e-9)
	assert.InDelta(t, res.Metadata.FPS, orig.FPS, 1e-9)
}

func TestIntegration_SmallClipNotUpscaled(t *testing.T) {
	requireFFmpeg(t)
	p, prober := realPipeline(t)
	src := synthClip(t, 200, 100, 1)

	res, err := p.Process(context.Background(), bytes.NewReader(src), "small.mp4", int64(len(src)))
	require.NoError(t, err)
	defer res.Cleanup()

	out, err := prober.Probe(context.Background(), res.PreviewPath)
	require.NoError(t, err)
	assert.Equal(t, 200, out.Width)
	assert.Equal(t, 100, out.Height)
}

func TestIntegration_VeryShortClip(t *testing.T) {
	requireFFmpeg(t)
	p, prober := realPipeline(t)
	src := synthClip(t, 320, 240, 0.1)

	res, err := p.Process(context.Background(), bytes.NewReader(src), "blink.mp4", int64(len(src)))
	require.NoError(t, err)
	defer res.Cleanup()

	out, err := prober.Probe(context.Background(), res.PreviewPath)
	require.NoError(t, err)
	assert.InDelta(t, res.Metadata.Duration, out.Duration, 0.1)
}

func TestIntegration_GarbageInput(t *testing.T) {
	requireFFmpeg(t)
	p, _ := realPipeline(t)

	_, err := p.Process(context.Background(), strings.NewReader("This is not a video file"), "fake.mp4", 24)
	require.Error(t, err)
	assert.Equal(t, KindInput, KindOf(err))
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestIntegration_NoHandleLeaks(t *testing.T) {
	requireFFmpeg(t)
	p, _ := realPipeline(t)
	src := synthClip(t, 640, 360, 1)

	proc, err := process.NewProcess(int32(os.Getpid()))
	require.NoError(t, err)
	before, err := proc.NumFDs()
	if err != nil {
		t.Skipf("open descriptor count unavailable: %v", err)
	}

	res, err := p.Process(context.Background(), bytes.NewReader(src), "clip.mp4", int64(len(src)))
	require.NoError(t, err)
	require.NoError(t, res.Cleanup())

	_, err = p.Process(context.Background(), strings.NewReader("garbage"), "bad.mp4", 7)
	require.Error(t, err)

	after, err := proc.NumFDs()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// remux runs ffmpeg with args and skips the test when this build rejects them.
func remux(t *testing.T, args ...string) {
	t.Helper()
	cmd := exec.Command("ffmpeg", append([]string{"-hide_banner", "-nostdin", "-y", "-loglevel", "error"}, args...)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("ffmpeg cannot build fixture: %v: %s", err, out)
	}
}

func TestIntegration_CoverArtListedFirst(t *testing.T) {
	requireFFmpeg(t)
	p, prober := realPipeline(t)
	dir := t.TempDir()

	clip := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(clip, synthClip(t, 1280, 720, 2), 0o600))
	cover := filepath.Join(dir, "cover.png")
	remux(t, "-f", "lavfi", "-i", "color=c=red:s=600x900", "-frames:v", "1", cover)
	withCover := filepath.Join(dir, "with_cover.mp4")
	remux(t, "-i", clip, "-i", cover,
		"-map", "1:v", "-map", "0:v", "-map", "0:a",
		"-c:v:0", "mjpeg", "-disposition:v:0", "attached_pic",
		"-c:v:1", "copy", "-c:a", "copy",
		withCover)

	src, err := os.ReadFile(withCover)
	require.NoError(t, err)
	res, err := p.Process(context.Background(), bytes.NewReader(src), "with_cover.mp4", int64(len(src)))
	require.NoError(t, err)
	defer res.Cleanup()

	assert.Equal(t, "1280x720", res.Metadata.Resolution())
	out, err := prober.Probe(context.Background(), res.PreviewPath)
	require.NoError(t, err)
	assert.Equal(t, 854, out.Width)
	assert.Equal(t, 480, out.Height)
	assert.InDelta(t, res.Metadata.Duration, out.Duration, 0.15)
}

func TestIntegration_RotatedPortraitClip(t *testing.T) {
	requireFFmpeg(t)
	p, prober := realPipeline(t)
	dir := t.TempDir()

	clip := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(clip, synthClip(t, 1920, 1080, 1), 0o600))
	rotated := filepath.Join(dir, "rotated.mov")
	remux(t, "-display_rotation", "90", "-i", clip, "-c", "copy", rotated)

	src, err := os.ReadFile(rotated)
	require.NoError(t, err)
	res, err := p.Process(context.Background(), bytes.NewReader(src), "rotated.mov", int64(len(src)))
	require.NoError(t, err)
	defer res.Cleanup()

	assert.Equal(t, "1080x1920", res.Metadata.Resolution())
	out, err := prober.Probe(context.Background(), res.PreviewPath)
	require.NoError(t, err)
	assert.Equal(t, 270, out.Width)
	assert.Equal(t, 480, out.Height)
}
