// Package logging builds the zap loggers used by the daemon and the mobile adapter.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/database64128/wgmux-go/jsonhelper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ConsoleOptions controls the output of a console logger.
type ConsoleOptions struct {
	// NoColor disables colored levels.
	NoColor bool

	// NoTime omits timestamps, for environments that add their own.
	NoTime bool

	// AddCaller annotates messages with the file and line of the call site.
	AddCaller bool

	// Writer is where log messages go. Defaults to [os.Stderr].
	Writer io.Writer
}

// consolePresets maps preset names to console options.
var consolePresets = map[string]ConsoleOptions{
	"console":         {},
	"console-nocolor": {NoColor: true},
	"console-notime":  {NoTime: true},
	"systemd":         {NoColor: true, NoTime: true},
	"mobile":          {NoColor: true},
}

// NewZapLogger returns a new [*zap.Logger] with the given preset and log level.
//
// The available presets are:
//
//   - "console" (default): Reasonable defaults for production console environments.
//   - "console-nocolor": Same as "console", but without color.
//   - "console-notime": Same as "console", but without timestamps.
//   - "systemd": Same as "console", but without color and timestamps.
//   - "mobile": Same as "console-nocolor". Platform log collectors do not render escape codes.
//   - "production": Zap's built-in production preset.
//   - "development": Zap's built-in development preset.
//
// If the preset is not recognized, it is treated as a path to a JSON configuration file.
//
// The log level does not apply to the "production", "development", or custom presets.
func NewZapLogger(preset string, level zapcore.Level) (*zap.Logger, error) {
	if preset == "" {
		preset = "console"
	}
	if opts, ok := consolePresets[preset]; ok {
		return NewConsoleZapLogger(level, opts), nil
	}

	var cfg zap.Config
	switch preset {
	case "production":
		cfg = zap.NewProductionConfig()
	case "development":
		cfg = zap.NewDevelopmentConfig()
	default:
		if err := jsonhelper.OpenAndDecodeDisallowUnknownFields(preset, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load zap logger config from file %q: %w", preset, err)
		}
	}
	return cfg.Build()
}

// NewConsoleZapLogger creates a new [*zap.Logger] that writes human-readable lines.
//
// See [NewConsoleEncoderConfig] for the encoder configuration.
func NewConsoleZapLogger(level zapcore.Level, opts ConsoleOptions) *zap.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	enc := zapcore.NewConsoleEncoder(NewConsoleEncoderConfig(opts.NoColor, opts.NoTime))
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), level)

	var zapOpts []zap.Option
	if opts.NoTime {
		zapOpts = append(zapOpts, zap.WithClock(fakeClock{})) // The sampler still needs a real ticker.
	}
	if opts.AddCaller {
		zapOpts = append(zapOpts, zap.AddCaller())
	}
	return zap.New(core, zapOpts...)
}

// NewConsoleEncoderConfig returns the [zapcore.EncoderConfig] of console loggers.
// Keys are single letters and durations are rendered as strings.
func NewConsoleEncoderConfig(noColor, noTime bool) zapcore.EncoderConfig {
	ec := zapcore.EncoderConfig{
		TimeKey:          "T",
		LevelKey:         "L",
		NameKey:          "N",
		CallerKey:        "C",
		FunctionKey:      zapcore.OmitKey,
		MessageKey:       "M",
		StacktraceKey:    "S",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalColorLevelEncoder,
		EncodeTime:       zapcore.ISO8601TimeEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeCaller:     zapcore.ShortCallerEncoder,
		ConsoleSeparator: " ",
	}

	if noColor {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	if noTime {
		ec.TimeKey = zapcore.OmitKey
		ec.EncodeTime = nil
	}

	return ec
}

// fakeClock reports the zero time and hands out real tickers.
type fakeClock struct{}

// Now implements [zapcore.Clock.Now].
func (fakeClock) Now() time.Time {
	return time.Time{}
}

// NewTicker implements [zapcore.Clock.NewTicker].
func (fakeClock) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}
