package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"golang.org/x/term"

	"glasslink/audio"
	"glasslink/beep"
	"glasslink/config"
	"glasslink/doctor"
	"glasslink/eventchan"
	"glasslink/facade"
	"glasslink/journal"
	"glasslink/log"
	"glasslink/peripheral"
	"glasslink/relay"
	"glasslink/shutdown"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		fmt.Fprintf(fs.Output(), "Usage: glasslink [flags] [doctor|scan]\n\n")
		fs.PrintDefaults()
	}
}

func run(args []string) int {
	fs := flag.NewFlagSet("glasslink", flag.ExitOnError)
	fs.Usage = usage(fs)
	configFlag := fs.String("config", "", "config file (default: "+config.DefaultPath()+")")
	logPathFlag := fs.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	scriptFlag := fs.Bool("script", false, "headless, stdin-driven mode")
	tuiFlag := fs.Bool("tui", true, "run with terminal UI when attached to a terminal")
	versionFlag := fs.Bool("version", false, "print version and exit")
	profileFlag := fs.String("profile", "", "enable pprof profiling server (e.g., :6060 or localhost:6060)")
	overrides := config.RegisterFlags(fs)
	fs.Parse(args)

	if *versionFlag {
		fmt.Printf("glasslink %s\n", version)
		return 0
	}

	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		return 1
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}
	initCrashLog()

	if *profileFlag != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", *profileFlag)
			if err := http.ListenAndServe(*profileFlag, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: config: %v\n", err)
		return 1
	}
	overrides.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: config: %v\n", err)
		return 1
	}
	if !cfg.Cues {
		beep.Disable()
	}

	switch fs.Arg(0) {
	case "":
	case "doctor":
		return doctor.Run(cfg)
	case "scan":
		return runScan(cfg)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", fs.Arg(0))
		fs.Usage()
		return 2
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()
	log.SessionStart(cfg.ServerEndpoint, cfg.PeripheralDeviceName)

	f, err := newFacade(cfg)
	if err != nil {
		log.Errorf("startup: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		f.Close()
		log.SessionEnd(f.Current().Descriptions)
	}()

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	switch {
	case *scriptFlag:
		beep.Disable()
		err = runScript(ctx, os.Stdin, os.Stdout, f)
	case *tuiFlag && isTerminal():
		err = runTUI(ctx, f)
	default:
		err = runHeadless(ctx, os.Stdout, f, cfg)
	}
	if err != nil {
		log.Errorf("exit: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func initCrashLog() {
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(crashFile, debug.CrashOptions{})
}

func newLink(cfg config.Config, j *journal.Journal) (*peripheral.Link, error) {
	adapter, err := peripheral.NewBLEAdapter(cfg.ServiceUUID, cfg.CharacteristicUUID)
	if err != nil {
		return nil, fmt.Errorf("bluetooth: %w", err)
	}
	return peripheral.New(peripheral.Options{
		Adapter:    adapter,
		Journal:    j,
		DeviceName: cfg.PeripheralDeviceName,
		ChunkSize:  cfg.ChunkSize,
	}), nil
}

func newFacade(cfg config.Config) (*facade.Facade, error) {
	j := journal.New(0)
	link, err := newLink(cfg, j)
	if err != nil {
		return nil, err
	}
	player, err := audio.NewPlayer()
	if err != nil {
		return nil, fmt.Errorf("audio: %w", err)
	}
	return facade.New(facade.Options{
		Channel: eventchan.New(eventchan.Options{
			Policy:  cfg.ReconnectPolicy(),
			Journal: j,
		}),
		Link: link,
		Relay: relay.New(relay.Options{
			Player:  player,
			Link:    link,
			Journal: j,
			Path:    cfg.AudioPath,
		}),
		Journal:      j,
		Cues:         beep.Cues{},
		Endpoint:     cfg.ServerEndpoint,
		ScanDuration: cfg.ScanDuration.Duration,
	}), nil
}

// runScan lists nearby peripherals once and exits.
func runScan(cfg config.Config) int {
	link, err := newLink(cfg, journal.New(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer link.Close()

	ctx, stop := shutdown.Context(context.Background())
	defer stop()
	if !link.RequestAccess(ctx) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", peripheral.ErrPermissionDenied)
		return 1
	}
	found, err := link.Scan(ctx, cfg.ScanDuration.Duration)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Scanning for %v...\n", cfg.ScanDuration.Duration)
	n := 0
	for d := range found {
		n++
		fmt.Println(deviceLine(d))
	}
	fmt.Printf("%d device(s) found\n", n)
	return 0
}

func deviceLine(d peripheral.Device) string {
	line := fmt.Sprintf("%s  %s", d.ID, d.Label())
	if d.RSSI != nil {
		line += fmt.Sprintf("  %d dBm", *d.RSSI)
	}
	if d.Preferred {
		line += "  *"
	}
	return line
}

// runHeadless connects the server, pairs the first preferred peripheral it
// sees and mirrors the journal to w until ctx ends.
func runHeadless(ctx context.Context, w io.Writer, f *facade.Facade, cfg config.Config) error {
	entries, cancel := f.JournalUpdates()
	defer cancel()
	go func() {
		for e := range entries {
			fmt.Fprintln(w, e.String())
		}
	}()

	if err := f.TriggerServerConnect(); err != nil {
		return err
	}
	if cfg.PeripheralDeviceName != "" {
		go autoPair(ctx, f)
	}
	<-ctx.Done()
	return nil
}

func autoPair(ctx context.Context, f *facade.Facade) {
	if err := f.TriggerScan(ctx); err != nil {
		log.Warnf("auto-pair scan: %v", err)
		return
	}
	snaps, cancel := f.Subscribe()
	defer cancel()
	scanned := false
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-snaps:
			if !ok {
				return
			}
			for _, d := range s.Discovered {
				if !d.Preferred {
					continue
				}
				if _, err := f.TriggerConnect(ctx, d.ID); err != nil && !errors.Is(err, context.Canceled) {
					log.Warnf("auto-pair %s: %v", d.ID, err)
				}
				return
			}
			switch s.PeripheralState {
			case peripheral.Scanning:
				scanned = true
			case peripheral.Idle:
				if scanned {
					log.Warn("auto-pair: no preferred peripheral in range")
					return
				}
			default:
				return
			}
		}
	}
}
