package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/schollz/progressbar/v3"

	"github.com/imalyk/go-video-preview/pkg/config"
	"github.com/imalyk/go-video-preview/pkg/media"
	"github.com/imalyk/go-video-preview/pkg/preview"
)

var Version = "dev"

type Globals struct {
	Verbose bool             `short:"v" help:"Log pipeline steps to stderr"`
	Version kong.VersionFlag `help:"Print version and exit"`
}

type CLI struct {
	Globals

	Process ProcessCmd `cmd:"" help:"Create a watermarked preview of a local video"`
	Probe   ProbeCmd   `cmd:"" help:"Print catalog metadata for a local video"`
	Check   CheckCmd   `cmd:"" help:"Verify that ffmpeg and ffprobe are installed"`
}

type ProcessCmd struct {
	File       string        `arg:"" name:"file" help:"Video file to process" type:"existingfile"`
	OutDir     string        `name:"out" short:"o" help:"Directory for the preview file" type:"existingdir" default:"."`
	Height     int           `help:"Preview height in pixels (0 uses PREVIEW_HEIGHT)"`
	Watermark  string        `help:"Watermark text (empty uses WATERMARK_TEXT)"`
	Timeout    time.Duration `help:"Abort after this long (0 uses PROCESS_TIMEOUT)"`
	NoProgress bool          `help:"Disable the progress bar"`
}

type ProbeCmd struct {
	File string `arg:"" name:"file" help:"Video file to inspect" type:"existingfile"`
}

type CheckCmd struct{}

type processOutput struct {
	Metadata    preview.Display `json:"metadata"`
	Preview     string          `json:"preview"`
	PreviewSize string          `json:"preview_size"`
}

func (cmd *ProcessCmd) Run(ctx context.Context, g *Globals, cfg config.Config) error {
	if cmd.Height > 0 {
		cfg.TargetHeight = cmd.Height
	}
	if cmd.Watermark != "" {
		cfg.WatermarkText = cmd.Watermark
	}
	if cmd.Timeout > 0 {
		cfg.ProcessTimeout = cmd.Timeout
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := media.CheckBinaries(cfg.FFMPEGPath, cfg.FFProbePath); err != nil {
		return err
	}

	pcfg := cfg.Pipeline()
	pcfg.TempDir = cmd.OutDir
	pcfg.KeepOriginal = false
	pipeline := preview.New(pcfg, media.NewFFprobe(cfg.FFProbePath), cfg.Encoder(), newLogger(g.Verbose))

	f, err := os.Open(cmd.File)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	var opts []preview.RunOption
	var bar *progressbar.ProgressBar
	if !cmd.NoProgress {
		bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("encoding "+filepath.Base(cmd.File)),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		opts = append(opts, preview.WithProgress(func(p int64) {
			_ = bar.Set(int(p))
		}))
	}

	res, err := pipeline.Process(ctx, f, filepath.Base(cmd.File), st.Size(), opts...)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return fmt.Errorf("%s: %w", preview.KindOf(err), err)
	}

	stem := strings.TrimSuffix(filepath.Base(cmd.File), filepath.Ext(cmd.File))
	target := filepath.Join(cmd.OutDir, stem+"_preview.mp4")
	if err := os.Rename(res.PreviewPath, target); err != nil {
		_ = res.Cleanup()
		return fmt.Errorf("move preview: %w", err)
	}

	return printJSON(os.Stdout, processOutput{
		Metadata:    res.Metadata.Display(),
		Preview:     target,
		PreviewSize: fmt.Sprintf("%dx%d", res.PreviewSize[0], res.PreviewSize[1]),
	})
}

func (cmd *ProbeCmd) Run(ctx context.Context, cfg config.Config) error {
	st, err := os.Stat(cmd.File)
	if err != nil {
		return err
	}
	info, err := media.NewFFprobe(cfg.FFProbePath).Probe(ctx, cmd.File)
	if err != nil {
		return fmt.Errorf("probe %s: %w", cmd.File, err)
	}
	return printJSON(os.Stdout, preview.NewMetadata(filepath.Base(cmd.File), st.Size(), info).Display())
}

func (cmd *CheckCmd) Run(cfg config.Config) error {
	if err := media.CheckBinaries(cfg.FFMPEGPath, cfg.FFProbePath); err != nil {
		return err
	}
	fmt.Printf("ffmpeg: %s\nffprobe: %s\n", cfg.FFMPEGPath, cfg.FFProbePath)
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("previewctl"),
		kong.Description("Generate watermarked video previews with ffmpeg."),
		kong.UsageOnError(),
		kong.Vars{"version": Version},
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.Bind(&cli.Globals, config.Load()),
	)
	err := kctx.Run()
	kctx.FatalIfErrorf(err)
}
