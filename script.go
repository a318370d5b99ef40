package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"glasslink/facade"
	"glasslink/proto"
)

const scriptWaitTimeout = 10 * time.Second

type scriptCmd struct {
	op       string
	arg      string
	delay    time.Duration
	settings proto.Settings
}

func parseCommand(line string) (scriptCmd, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return scriptCmd{}, fmt.Errorf("empty command")
	}
	cmd := scriptCmd{op: strings.ToUpper(fields[0])}
	args := fields[1:]

	switch cmd.op {
	case "CONNECT", "DISCONNECT", "UNPAIR", "STATUS", "QUIT":
		if len(args) != 0 {
			return cmd, fmt.Errorf("%s takes no arguments", cmd.op)
		}
	case "SCAN", "SLEEP":
		if len(args) != 1 {
			return cmd, fmt.Errorf("usage: %s <ms>", cmd.op)
		}
		ms, err := strconv.Atoi(args[0])
		if err != nil || ms < 0 {
			return cmd, fmt.Errorf("%s: bad duration %q", cmd.op, args[0])
		}
		cmd.delay = time.Duration(ms) * time.Millisecond
	case "PAIR":
		if len(args) != 1 {
			return cmd, fmt.Errorf("usage: PAIR <device-id>")
		}
		cmd.arg = args[0]
	case "FOREGROUND":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return cmd, fmt.Errorf("usage: FOREGROUND on|off")
		}
		cmd.arg = args[0]
	case "WAIT":
		if len(args) != 2 || (args[0] != "server" && args[0] != "peripheral") {
			return cmd, fmt.Errorf("usage: WAIT server|peripheral <state>")
		}
		cmd.arg = args[0] + " " + args[1]
	case "SETTINGS":
		if len(args) == 0 {
			return cmd, fmt.Errorf("usage: SETTINGS confidence=<f> cooldown=<f>")
		}
		for _, a := range args {
			key, val, ok := strings.Cut(a, "=")
			v, err := strconv.ParseFloat(val, 64)
			if !ok || err != nil {
				return cmd, fmt.Errorf("SETTINGS: bad value %q", a)
			}
			switch strings.ToLower(key) {
			case "confidence":
				cmd.settings.Confidence = &v
			case "cooldown":
				cmd.settings.Cooldown = &v
			default:
				return cmd, fmt.Errorf("SETTINGS: unknown setting %q", key)
			}
		}
	default:
		return cmd, fmt.Errorf("unknown command %q", fields[0])
	}
	return cmd, nil
}

// runScript drives the facade from line commands on r. Blank lines and
// lines starting with # are skipped.
func runScript(ctx context.Context, r io.Reader, w io.Writer, f *facade.Facade) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmd, err := parseCommand(line)
		if err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
			continue
		}
		if cmd.op == "QUIT" {
			return nil
		}
		if err := execute(ctx, w, f, cmd); err != nil {
			fmt.Fprintf(w, "error: %s: %v\n", cmd.op, err)
		}
	}
}

func execute(ctx context.Context, w io.Writer, f *facade.Facade, cmd scriptCmd) error {
	switch cmd.op {
	case "CONNECT":
		return f.TriggerServerConnect()
	case "DISCONNECT":
		f.TriggerServerDisconnect()
	case "SCAN":
		if err := f.TriggerScan(ctx); err != nil {
			return err
		}
		sleep(ctx, cmd.delay)
		f.StopScan()
		f.Wait()
		for _, d := range f.Current().Discovered {
			fmt.Fprintln(w, deviceLine(d))
		}
	case "PAIR":
		d, err := f.TriggerConnect(ctx, cmd.arg)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "paired %s\n", d.Label())
	case "UNPAIR":
		f.TriggerDisconnect()
	case "STATUS":
		f.Wait()
		fmt.Fprintln(w, statusLine(f.Current()))
	case "FOREGROUND":
		f.SetForeground(cmd.arg == "on")
	case "SETTINGS":
		return f.UpdateSettings(ctx, cmd.settings)
	case "SLEEP":
		sleep(ctx, cmd.delay)
	case "WAIT":
		return waitFor(ctx, f, cmd.arg)
	}
	return nil
}

func statusLine(s facade.Snapshot) string {
	device := "-"
	if s.ActiveDevice != nil {
		device = s.ActiveDevice.Label()
	}
	return fmt.Sprintf("server=%s peripheral=%s device=%s descriptions=%d last=%q",
		s.ServerState, s.PeripheralState, device, s.Descriptions, s.LastDescription)
}

// waitFor blocks until the named channel reports state, e.g. "server connected".
func waitFor(ctx context.Context, f *facade.Facade, target string) error {
	which, state, _ := strings.Cut(target, " ")
	snaps, cancel := f.Subscribe()
	defer cancel()
	timeout := time.After(scriptWaitTimeout)
	for {
		select {
		case s, ok := <-snaps:
			if !ok {
				return fmt.Errorf("closed")
			}
			got := s.PeripheralState.String()
			if which == "server" {
				got = s.ServerState.String()
			}
			if got == state {
				return nil
			}
		case <-timeout:
			return fmt.Errorf("%s not %s after %v", which, state, scriptWaitTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
