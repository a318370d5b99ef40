package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	diagFileName        = "diagnostics_log.txt"
	descriptionFileName = "descriptions_log.txt"
)

var (
	diagLog         zerolog.Logger
	diagWriter      *lumberjack.Logger
	descriptionFile *os.File
	logMu           sync.Mutex
	logReady        bool
	pid             int
	dir             string
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absolute(flagPath)
	}

	// Priority 2: GLASSLINK_LOG_PATH environment variable
	if envPath := os.Getenv("GLASSLINK_LOG_PATH"); envPath != "" {
		return absolute(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absolute(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error
	descriptionFile, err = os.OpenFile(filepath.Join(dir, descriptionFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	diagWriter = &lumberjack.Logger{
		Filename:   filepath.Join(dir, diagFileName),
		MaxSize:    5, // MB
		MaxBackups: 3,
	}
	// lumberjack opens lazily; touch the file so a bad directory fails here.
	if _, err := diagWriter.Write(nil); err != nil {
		descriptionFile.Close()
		descriptionFile = nil
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagWriter,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagWriter != nil {
		diagWriter.Close()
		diagWriter = nil
	}
	if descriptionFile != nil {
		descriptionFile.Close()
		descriptionFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// Journal mirrors an activity journal line into the diagnostics log.
func Journal(msg string) {
	if logReady {
		diagLog.Info().Str("src", "journal").Msg(msg)
	}
}

func ChannelState(endpoint, from, to string, attempt int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("endpoint", endpoint).
		Str("from", from).
		Str("to", to).
		Int("attempt", attempt).
		Msg("channel_state")
}

func PeripheralState(deviceID, from, to string) {
	if !logReady {
		return
	}
	ev := diagLog.Info().
		Str("from", from).
		Str("to", to)
	if deviceID != "" {
		ev = ev.Str("device", deviceID)
	}
	ev.Msg("peripheral_state")
}

type PlaybackMetrics struct {
	PayloadKB  float64
	DecodeMs   float64
	WriteMs    float64
	LoadMs     float64
	Forwarded  bool
	ForwardErr string
}

func Playback(m PlaybackMetrics) {
	if !logReady {
		return
	}
	ev := diagLog.Info().
		Float64("payload_kb", m.PayloadKB).
		Float64("decode_ms", m.DecodeMs).
		Float64("write_ms", m.WriteMs).
		Float64("load_ms", m.LoadMs).
		Bool("forwarded", m.Forwarded)
	if m.ForwardErr != "" {
		ev = ev.Str("forward_err", m.ForwardErr)
	}
	ev.Msg("playback")
}

func Description(text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	if descriptionFile == nil {
		return
	}
	line := fmt.Sprintf("%s\t[%d]\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, text)
	descriptionFile.WriteString(line)
}

func SessionStart(endpoint, device string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("endpoint", endpoint).
		Str("device_name", device).
		Msg("session_start")
}

func SessionEnd(descriptions int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("descriptions", descriptions).
		Msg("session_end")
}
