//go:build integration

package test_test

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"nhooyr.io/websocket"
)

var testBinary string

func TestMain(m *testing.M) {
	testBinary = os.Getenv("GLASSLINK_TEST_BIN")
	if testBinary == "" {
		fmt.Fprintln(os.Stderr, "GLASSLINK_TEST_BIN not set; build the binary and point it there")
		os.Exit(1)
	}
	os.Exit(m.Run())
}

func silenceWAV(sampleRate int, durationS float64) []byte {
	const headerSize = 44
	numSamples := int(float64(sampleRate) * durationS)
	dataSize := numSamples * 2

	buf := make([]byte, headerSize+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(headerSize-8+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)  // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16) // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	return buf
}

// perceptionServer speaks just enough Socket.IO to push one description.
func perceptionServer(t *testing.T, description string) *httptest.Server {
	t.Helper()
	audio := base64.StdEncoding.EncodeToString(silenceWAV(16000, 0.2))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		conn.Write(ctx, websocket.MessageText, []byte(`0{"sid":"it","pingInterval":25000,"pingTimeout":20000}`))
		if _, msg, err := conn.Read(ctx); err != nil || string(msg) != "40" {
			return
		}
		conn.Write(ctx, websocket.MessageText, []byte(`40{"sid":"it-ns"}`))
		event := fmt.Sprintf(`42["audio_data",{"audio":%q,"description":%q,"objects":["chair"],"timestamp":""}]`, audio, description)
		conn.Write(ctx, websocket.MessageText, []byte(event))
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func cmds(parts ...string) string {
	return strings.Join(parts, "\n") + "\n"
}

func runGlasslink(t *testing.T, stdin string, args ...string) (logDir, stdout string) {
	t.Helper()
	logDir = t.TempDir()
	cmdArgs := append([]string{"-logpath", logDir}, args...)

	cmd := exec.Command(testBinary, cmdArgs...)
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Env = append(os.Environ(), "XDG_CONFIG_HOME="+logDir)
	var out, errOut bytes.Buffer
	cmd.Stdout, cmd.Stderr = &out, &errOut

	if err := cmd.Run(); err != nil {
		msg := errOut.String()
		if strings.Contains(msg, "audio:") || strings.Contains(msg, "bluetooth:") {
			t.Skipf("environment lacks audio or bluetooth: %s", msg)
		}
		t.Fatalf("glasslink exited with error: %v\nstdout: %s\nstderr: %s", err, out.String(), msg)
	}
	return logDir, out.String()
}

func readLog(t *testing.T, logDir, filename string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(logDir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		t.Fatalf("failed to read %s: %v", filename, err)
	}
	return string(data)
}

func TestVersion(t *testing.T) {
	out, err := exec.Command(testBinary, "-version").Output()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(out), "glasslink ") {
		t.Errorf("version output = %q", out)
	}
}

func TestBadEndpointRejected(t *testing.T) {
	cmd := exec.Command(testBinary, "-logpath", t.TempDir(), "-server", "ftp://glass.test", "-script")
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("expected failure, got %s", out)
	}
	if !strings.Contains(string(out), "scheme must be") {
		t.Errorf("output = %s", out)
	}
}

func TestScriptReceivesDescription(t *testing.T) {
	srv := perceptionServer(t, "a chair ahead")
	logDir, out := runGlasslink(t,
		cmds("CONNECT", "WAIT server connected", "SLEEP 500", "STATUS", "QUIT"),
		"-script", "-nocues", "-server", srv.URL)

	if !strings.Contains(out, "server=connected") || !strings.Contains(out, `last="a chair ahead"`) {
		t.Errorf("status output = %q", out)
	}
	if !strings.Contains(readLog(t, logDir, "descriptions_log.txt"), "a chair ahead") {
		t.Error("description missing from descriptions_log.txt")
	}
	diag := readLog(t, logDir, "diagnostics_log.txt")
	for _, want := range []string{"session_start", "channel_state", "playback", "session_end"} {
		if !strings.Contains(diag, want) {
			t.Errorf("expected %s in diagnostics", want)
		}
	}
}

func TestScriptUnreachableServer(t *testing.T) {
	logDir, out := runGlasslink(t,
		cmds("CONNECT", "WAIT server connection_failed", "STATUS", "QUIT"),
		"-script", "-nocues", "-server", "http://127.0.0.1:1", "-reconnect-attempts", "2", "-reconnect-delay", "10")

	if !strings.Contains(out, "server=connection_failed") {
		t.Errorf("status output = %q", out)
	}
	if !strings.Contains(readLog(t, logDir, "diagnostics_log.txt"), "server connection failed after 2 attempts") {
		t.Error("terminal failure not journaled")
	}
}
