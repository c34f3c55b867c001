package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNoVideoStream is returned when the container parses but carries no
// decodable video stream.
var ErrNoVideoStream = errors.New("no decodable video stream")

// Info is the subset of ffprobe output the preview pipeline needs.
// Width and Height are display dimensions: a stream rotated by 90 or 270
// degrees reports them swapped relative to the coded frame.
type Info struct {
	FormatName string
	Duration   float64
	Size       int64
	Width      int
	Height     int
	FPS        float64
	Rotation   int // clockwise display rotation in degrees, 0..270
	VideoCodec string
	AudioCodec string
	// Absolute stream indexes within the container; AudioIndex is -1
	// without audio.
	VideoIndex int
	AudioIndex int
}

// HasAudio reports whether the input carries an audio stream.
func (i *Info) HasAudio() bool {
	return i.AudioCodec != ""
}

// Resolution returns "WxH".
func (i *Info) Resolution() string {
	return strconv.Itoa(i.Width) + "x" + strconv.Itoa(i.Height)
}

// FFprobe probes files with a single ffprobe JSON call.
type FFprobe struct {
	Path string
}

// NewFFprobe returns a prober for the given binary, "ffprobe" when empty.
func NewFFprobe(path string) *FFprobe {
	if path == "" {
		path = "ffprobe"
	}
	return &FFprobe{Path: path}
}

// Probe runs ffprobe against path. The process and its pipes are released
// before Probe returns.
func (p *FFprobe) Probe(ctx context.Context, path string) (*Info, error) {
	cmd := exec.CommandContext(ctx, p.Path,
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ExecError{Tool: "ffprobe", Stderr: truncate(stderr.String(), maxStderr), Err: err}
	}
	return ParseProbeJSON(out)
}

// ParseProbeJSON converts raw ffprobe JSON output into an Info.
// Exported for testing without a real ffprobe binary.
func ParseProbeJSON(data []byte) (*Info, error) {
	var raw probeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse ffprobe JSON: %w", err)
	}

	info := &Info{
		FormatName: raw.Format.FormatName,
		Duration:   parseFloat(raw.Format.Duration),
		Size:       parseInt64(raw.Format.Size),
		VideoIndex: -1,
		AudioIndex: -1,
	}

	var videoFound bool
	for i := range raw.Streams {
		s := &raw.Streams[i]
		switch s.CodecType {
		case "video":
			// Cover art is exposed as a one-frame video stream.
			if videoFound || s.Disposition["attached_pic"] == 1 || s.CodecName == "" {
				continue
			}
			videoFound = true
			info.VideoIndex = s.Index
			info.VideoCodec = s.CodecName
			info.Width = s.Width
			info.Height = s.Height
			info.Rotation = s.rotation()
			if info.Rotation == 90 || info.Rotation == 270 {
				info.Width, info.Height = info.Height, info.Width
			}
			info.FPS = parseRate(s.AvgFrameRate)
			if info.FPS == 0 {
				info.FPS = parseRate(s.RFrameRate)
			}
			if info.Duration == 0 {
				info.Duration = parseFloat(s.Duration)
			}
		case "audio":
			if info.AudioCodec == "" && s.CodecName != "" {
				info.AudioCodec = s.CodecName
				info.AudioIndex = s.Index
			}
		}
	}

	if !videoFound || info.Width <= 0 || info.Height <= 0 {
		return nil, ErrNoVideoStream
	}
	return info, nil
}

type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

type probeStream struct {
	Index        int            `json:"index"`
	CodecName    string         `json:"codec_name"`
	CodecType    string         `json:"codec_type"`
	Width        int            `json:"width"`
	Height       int            `json:"height"`
	AvgFrameRate string         `json:"avg_frame_rate"`
	RFrameRate   string         `json:"r_frame_rate"`
	Duration     string         `json:"duration"`
	Disposition  map[string]int `json:"disposition"`
	Tags         struct {
		Rotate string `json:"rotate"`
	} `json:"tags"`
	SideDataList []struct {
		SideDataType string  `json:"side_data_type"`
		Rotation     float64 `json:"rotation"`
	} `json:"side_data_list"`
}

// rotation returns the clockwise display rotation normalized to 0..270.
// The display matrix side data is counter-clockwise and wins over the
// legacy rotate tag.
func (s *probeStream) rotation() int {
	deg := 0
	if r, err := strconv.Atoi(strings.TrimSpace(s.Tags.Rotate)); err == nil {
		deg = r
	}
	for _, sd := range s.SideDataList {
		if sd.SideDataType == "Display Matrix" || sd.Rotation != 0 {
			deg = -int(math.Round(sd.Rotation))
			break
		}
	}
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	// Only quarter turns change the frame shape.
	return (deg + 45) / 90 * 90 % 360
}

// parseRate parses ffprobe rationals such as "30000/1001". "0/0" yields 0.
func parseRate(s string) float64 {
	s = strings.TrimSpace(s)
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return parseFloat(s)
	}
	n := parseFloat(num)
	d := parseFloat(den)
	if d == 0 {
		return 0
	}
	return n / d
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}
