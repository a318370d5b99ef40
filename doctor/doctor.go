// Package doctor runs the `glasslink doctor` environment checks.
package doctor

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"glasslink/audio"
	"glasslink/clipboard"
	"glasslink/config"
	"glasslink/eventchan"
	"glasslink/journal"
	"glasslink/peripheral"
)

const (
	accessTimeout = 5 * time.Second
	serverTimeout = 10 * time.Second
)

// Checks are the system calls doctor makes. Tests swap them for fakes.
type Checks struct {
	Access    func(ctx context.Context) error
	Outputs   func() ([]audio.DeviceInfo, error)
	NewPlayer func() (audio.Player, error)
	Dialer    eventchan.Dialer
	Clipboard func() bool
}

func SystemChecks() Checks {
	return Checks{
		Access:    peripheral.CheckAccess,
		Outputs:   audio.OutputDevices,
		NewPlayer: audio.NewPlayer,
		Dialer:    eventchan.WebsocketDialer{},
		Clipboard: clipboard.Available,
	}
}

// Run executes the diagnostic checks against cfg and returns an exit code
// (0 = all pass, 1 = any fail).
func Run(cfg config.Config) int {
	resetTerminal()
	setupInterruptHandler()
	return run(os.Stdout, cfg, SystemChecks())
}

func run(w io.Writer, cfg config.Config, c Checks) int {
	fmt.Fprintln(w, "glasslink doctor - system diagnostics")
	fmt.Fprintln(w, "=====================================")

	steps := []struct {
		title string
		fn    func() bool
	}{
		{"Bluetooth access", func() bool { return checkAccess(w, c) }},
		{"Audio output", func() bool { return checkAudio(w, c) }},
		{"Perception server " + cfg.ServerEndpoint, func() bool { return checkServer(w, cfg, c) }},
		{"Clipboard", func() bool { return checkClipboard(w, c) }},
	}

	allPass := true
	for i, s := range steps {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "[%d/%d] %s\n", i+1, len(steps), s.title)
		if !s.fn() {
			allPass = false
		}
	}

	fmt.Fprintln(w)
	if allPass {
		fmt.Fprintln(w, "All checks passed!")
		return 0
	}
	fmt.Fprintln(w, "Some checks failed. See details above.")
	return 1
}

func checkAccess(w io.Writer, c Checks) bool {
	ctx, cancel := context.WithTimeout(context.Background(), accessTimeout)
	defer cancel()
	if err := c.Access(ctx); err != nil {
		fmt.Fprintf(w, "  FAIL: %v\n", err)
		return false
	}
	fmt.Fprintln(w, "  PASS: bluetooth adapter reachable")
	return true
}

func checkAudio(w io.Writer, c Checks) bool {
	devices, err := c.Outputs()
	if err != nil {
		fmt.Fprintf(w, "  FAIL: cannot list output devices: %v\n", err)
		return false
	}
	if len(devices) == 0 {
		fmt.Fprintln(w, "  FAIL: no output devices found")
		return false
	}
	for _, d := range devices {
		tag := ""
		if audio.IsBluetooth(d.Name) {
			tag = " [bluetooth]"
		}
		fmt.Fprintf(w, "  - %s%s\n", d.Name, tag)
	}
	p, err := c.NewPlayer()
	if err != nil {
		fmt.Fprintf(w, "  FAIL: cannot open playback: %v\n", err)
		return false
	}
	p.Close()
	fmt.Fprintf(w, "  PASS: %d output device(s), playback available\n", len(devices))
	return true
}

func checkServer(w io.Writer, cfg config.Config, c Checks) bool {
	j := journal.New(0)
	ch := eventchan.New(eventchan.Options{
		Policy:  eventchan.Bounded(1, 0),
		Dialer:  c.Dialer,
		Journal: j,
	})
	defer ch.Close()

	result := make(chan eventchan.State, 1)
	status := make(chan eventchan.Event, 1)
	ch.Subscribe(eventchan.KindState, func(ev eventchan.Event) {
		if ev.State == eventchan.Connected || ev.State == eventchan.Failed {
			select {
			case result <- ev.State:
			default:
			}
		}
	})
	ch.Subscribe(eventchan.KindServerStatus, func(ev eventchan.Event) {
		select {
		case status <- ev:
		default:
		}
	})

	if err := ch.Connect(cfg.ServerEndpoint); err != nil {
		fmt.Fprintf(w, "  FAIL: %v\n", err)
		return false
	}

	timeout := time.After(serverTimeout)
	select {
	case st := <-result:
		if st != eventchan.Connected {
			fmt.Fprintln(w, "  FAIL: could not reach the server")
			entries := j.Entries()
			for i := len(entries) - 1; i >= 0; i-- {
				fmt.Fprintf(w, "    %s\n", entries[i].Message)
			}
			return false
		}
	case <-timeout:
		fmt.Fprintf(w, "  FAIL: no answer within %v\n", serverTimeout)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), accessTimeout)
	defer cancel()
	if err := ch.RequestStatus(ctx); err != nil {
		fmt.Fprintf(w, "  WARN: status request failed: %v\n", err)
	} else {
		select {
		case ev := <-status:
			fmt.Fprintf(w, "  model loaded: %v, tts: %v, clients: %d\n",
				ev.Server.ModelLoaded, ev.Server.TTSAvailable, ev.Server.ConnectedClients)
		case <-ctx.Done():
			fmt.Fprintln(w, "  WARN: server did not answer the status request")
		}
	}
	fmt.Fprintln(w, "  PASS: event stream connected")
	return true
}

func checkClipboard(w io.Writer, c Checks) bool {
	if !c.Clipboard() {
		fmt.Fprintf(w, "  FAIL: %v\n", clipboard.ErrUnsupported)
		return false
	}
	fmt.Fprintln(w, "  PASS: clipboard available")
	return true
}
