package record

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// commandSource captures through an external recorder that writes raw f32le
// mono PCM to stdout.
type commandSource struct {
	name   string
	binary string
	// invocations lists the argument sets to try in order. The first one that
	// starts streaming wins.
	invocations func(cfg Config) []invocation
	list        func(ctx context.Context) (string, error)
}

type invocation struct {
	label string
	args  []string
}

func (s *commandSource) Name() string { return s.name }

func (s *commandSource) Available() bool { return commandAvailable(s.binary) }

func (s *commandSource) Open(ctx context.Context, cfg Config) (Stream, error) {
	candidates := s.invocations(cfg)
	if len(candidates) == 1 {
		return startCommandStream(ctx, s.binary, candidates[0].args, cfg)
	}

	var errs []error
	for _, candidate := range candidates {
		stream, err := startCommandStream(ctx, s.binary, candidate.args, cfg)
		if err == nil {
			return stream, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		errs = append(errs, fmt.Errorf("%s (%s): %w", s.binary, candidate.label, err))
	}
	return nil, errors.Join(errs...)
}

func (s *commandSource) ListDevices(ctx context.Context) (string, error) {
	return s.list(ctx)
}

func rateArg(cfg Config) string {
	return strconv.Itoa(defaultSampleRate(cfg.SampleRate))
}

func withOptional(args []string, flag, value string) []string {
	if value == "" {
		return args
	}
	return append(args, flag, value)
}

func pipeWireSource() Backend {
	return &commandSource{
		name:   "pw-record",
		binary: "pw-record",
		invocations: func(cfg Config) []invocation {
			args := []string{"--rate", rateArg(cfg), "--channels", "1", "--format", "f32", "--raw"}
			args = withOptional(args, "--target", cfg.Input)
			return []invocation{{label: "pipewire", args: append(args, "-")}}
		},
		list: func(ctx context.Context) (string, error) {
			if commandAvailable("pw-cli") {
				return commandOutput(ctx, "pw-cli", "ls", "Node")
			}
			if out, err := commandOutput(ctx, "pw-record", "--list-targets"); err == nil {
				return out, nil
			}
			if commandAvailable("pactl") {
				return pulseSources(ctx)
			}
			return "", errors.New("no pipewire device listing command available")
		},
	}
}

func alsaSource() Backend {
	return &commandSource{
		name:   "arecord",
		binary: "arecord",
		invocations: func(cfg Config) []invocation {
			args := []string{"-q", "-t", "raw", "-f", "FLOAT_LE", "-r", rateArg(cfg), "-c", "1"}
			args = withOptional(args, "-D", cfg.Input)
			return []invocation{{label: "alsa", args: append(args, "-")}}
		},
		list: alsaDevices,
	}
}

// ffmpegLinuxSource tries PulseAudio then ALSA unless a format is pinned.
func ffmpegLinuxSource() Backend {
	return &commandSource{
		name:   "ffmpeg",
		binary: "ffmpeg",
		invocations: func(cfg Config) []invocation {
			if cfg.Format != "" {
				input := cfg.Input
				if input == "" {
					input = "default"
				}
				return []invocation{ffmpegInvocation(cfg.Format, input, cfg)}
			}
			return []invocation{
				ffmpegInvocation("pulse", "default", cfg),
				ffmpegInvocation("alsa", "default", cfg),
			}
		},
		list: func(ctx context.Context) (string, error) {
			var sections []string
			if commandAvailable("pactl") {
				sections = append(sections, section("PulseAudio/PipeWire sources", pulseSources, ctx))
			}
			if commandAvailable("arecord") {
				sections = append(sections, section("ALSA devices", alsaDevices, ctx))
			}
			if len(sections) == 0 {
				return "", errors.New("no device listing command available")
			}
			return strings.Join(sections, "\n\n"), nil
		},
	}
}

func ffmpegMacSource() Backend {
	return &commandSource{
		name:   "ffmpeg",
		binary: "ffmpeg",
		invocations: func(cfg Config) []invocation {
			input := cfg.Input
			if input == "" {
				input = ":0"
			}
			return []invocation{ffmpegInvocation("avfoundation", input, cfg)}
		},
		list: func(ctx context.Context) (string, error) {
			// ffmpeg exits non-zero after listing avfoundation devices.
			out, _ := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", "").CombinedOutput()
			listing := strings.TrimSpace(string(out))
			if listing == "" {
				return "", errors.New("ffmpeg returned no device output")
			}
			return listing, nil
		},
	}
}

// ffmpegInvocation writes raw f32le mono at the configured rate to stdout.
func ffmpegInvocation(format, input string, cfg Config) invocation {
	return invocation{
		label: format + "/" + input,
		args: []string{
			"-nostdin", "-hide_banner", "-loglevel", "error",
			"-f", format, "-i", input,
			"-ac", "1",
			"-ar", rateArg(cfg),
			"-f", "f32le",
			"-",
		},
	}
}

func pulseSources(ctx context.Context) (string, error) {
	return commandOutput(ctx, "pactl", "list", "short", "sources")
}

func alsaDevices(ctx context.Context) (string, error) {
	return commandOutput(ctx, "arecord", "-L")
}

func section(title string, list func(context.Context) (string, error), ctx context.Context) string {
	out, err := list(ctx)
	if err != nil {
		return title + ": " + err.Error()
	}
	return title + ":\n" + out
}
