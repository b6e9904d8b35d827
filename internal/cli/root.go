package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fmueller/voxstream/internal/clipboard"
	"github.com/fmueller/voxstream/internal/controller"
	"github.com/fmueller/voxstream/internal/engine"
	"github.com/fmueller/voxstream/internal/logging"
	"github.com/fmueller/voxstream/internal/metrics"
	"github.com/fmueller/voxstream/internal/platform"
	"github.com/fmueller/voxstream/internal/protocol"
	"github.com/fmueller/voxstream/internal/settings"
	"github.com/fmueller/voxstream/internal/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"
)

type appState struct {
	verbose    bool
	jsonLogs   bool
	noProgress bool

	settingsPath   string
	modelDir       string
	engineKind     string
	modelSource    string
	model          string
	language       string
	chunkSec       float64
	captureBackend string
	input          string
	inputFormat    string
	remote         string

	copyTranscript bool
	copyEmpty      bool
	exportPath     string
	silenceGate    bool
	silenceDBFS    float64
	duration       time.Duration
	immediate      bool

	settings settings.Settings
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	in       io.Reader
	out      io.Writer
	errOut   io.Writer

	connectFn     func(ctx context.Context) (protocol.Transport, error)
	newRecorderFn func() (controller.Recorder, error)
	copyFn        func(ctx context.Context, value string) error
}

func newAppState() *appState {
	app := &appState{
		silenceGate: true,
		silenceDBFS: -65,
		settings:    settings.Defaults(),
		metrics:     metrics.New(prometheus.NewRegistry()),
		now:         timeNow,
	}
	app.connectFn = app.connect
	app.newRecorderFn = app.newRecorder
	app.copyFn = clipboard.CopyText
	return app
}

func NewRootCmd() *cobra.Command {
	app := newAppState()

	cmd := &cobra.Command{
		Use:           "voxstream",
		Short:         "Live speech transcription with rolling partial transcripts",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.prepare(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runLive(cmd.Context())
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindGlobalFlags(cmd.PersistentFlags(), app)
	bindEngineFlags(cmd.PersistentFlags(), app)
	bindCaptureFlags(cmd.Flags(), app)
	bindOutputFlags(cmd.Flags(), app)
	cmd.Flags().DurationVar(&app.duration, "duration", 0, "Session duration, e.g. 30s; 0 means stop with Enter")
	cmd.Flags().BoolVar(&app.immediate, "immediate", false, "Start the session without waiting for Enter")

	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newDevicesCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newSettingsCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindGlobalFlags(flags *pflag.FlagSet, app *appState) {
	flags.BoolVar(&app.verbose, "verbose", false, "Enable verbose logs")
	flags.BoolVar(&app.jsonLogs, "json", false, "Enable JSON logging")
	flags.BoolVar(&app.noProgress, "no-progress", false, "Disable progress indicators")
	flags.StringVar(&app.settingsPath, "settings", "", "Settings file (default <data dir>/settings.yaml)")
	flags.StringVar(&app.modelDir, "model-dir", "", "Directory where models are stored")
}

// Engine and capture flags override the settings file only when given.
func bindEngineFlags(flags *pflag.FlagSet, app *appState) {
	flags.StringVar(&app.engineKind, "engine", "", "Engine backend: auto|accelerated|portable")
	flags.StringVar(&app.modelSource, "model-source", "", "Where models come from: remote|local")
	flags.StringVar(&app.model, "model", "", "Model name or model file path")
	flags.StringVar(&app.language, "language", "", "Language code (auto|en|de|...) for transcription")
	flags.StringVar(&app.remote, "remote", "", "Use a remote engine host, e.g. ws://host:8765/v1/engine")
}

func bindCaptureFlags(flags *pflag.FlagSet, app *appState) {
	flags.Float64Var(&app.chunkSec, "chunk-sec", 0, "Seconds between partial transcripts (minimum 2)")
	flags.StringVar(&app.captureBackend, "backend", "", "Recording backend: auto|pw-record|arecord|ffmpeg")
	flags.StringVar(&app.input, "input", "", "Input device (run \"voxstream devices\" to list); e.g. node-ID (pw-record), hw:1,0 (arecord), :1 (ffmpeg)")
	flags.StringVar(&app.inputFormat, "input-format", "", "Input format for ffmpeg backend (pulse|alsa)")
	flags.BoolVar(&app.silenceGate, "silence-gate", app.silenceGate, "Skip inference when the recording is near-silent")
	flags.Float64Var(&app.silenceDBFS, "silence-threshold-dbfs", app.silenceDBFS, "Silence gate threshold in dBFS")
}

func bindOutputFlags(flags *pflag.FlagSet, app *appState) {
	flags.BoolVar(&app.copyTranscript, "copy", false, "Copy the final transcript to the clipboard")
	flags.BoolVar(&app.copyEmpty, "copy-empty", false, "Copy blank transcripts to clipboard")
	flags.StringVar(&app.exportPath, "export", "", "Write the final transcript to this file or directory")
}

// prepare sets up logging and resolves the effective settings: file values
// first, then any flag given on the command line.
func (a *appState) prepare(cmd *cobra.Command) error {
	a.in = cmd.InOrStdin()
	a.out = cmd.OutOrStdout()
	a.errOut = cmd.ErrOrStderr()

	logger, err := logging.New(logging.Options{Verbose: a.verbose, JSON: a.jsonLogs})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	a.logger = logger

	path, err := platform.ResolveSettingsPath(a.settingsPath)
	if err != nil {
		return err
	}
	s, err := settings.Load(path, a.log())
	if err != nil {
		a.log().Warn("using default settings", zap.Error(err))
	}
	a.settings = a.applyFlags(cmd.Flags(), s)
	return nil
}

func (a *appState) applyFlags(flags *pflag.FlagSet, s settings.Settings) settings.Settings {
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}

	if changed("engine") {
		s.Engine.Backend = engine.Kind(a.engineKind)
	}
	if changed("model-source") {
		s.Engine.ModelSource = engine.ModelSource(a.modelSource)
	}
	if changed("model") {
		s.Engine.ModelID = a.model
	}
	if changed("language") {
		s.Engine.Language = a.language
	}
	if changed("chunk-sec") {
		s.ChunkSec = a.chunkSec
	}
	if changed("backend") {
		s.CaptureBackend = a.captureBackend
	}
	if changed("input") {
		s.Input = a.input
	}
	return s
}

func (a *appState) modelStorageDir() (string, error) {
	dir, err := platform.ResolveModelDir(a.modelDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory %s: %w", dir, err)
	}
	return dir, nil
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	f, ok := a.errWriter().(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (a *appState) inReader() io.Reader {
	if a.in == nil {
		return os.Stdin
	}
	return a.in
}

func (a *appState) outWriter() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}

func (a *appState) errWriter() io.Writer {
	if a.errOut == nil {
		return os.Stderr
	}
	return a.errOut
}

var timeNow = time.Now
