package cmd_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	toml "github.com/pelletier/go-toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v3"

	"github.com/pm3link/pm3link/comms"
	"github.com/pm3link/pm3link/device/pm3"
	"github.com/pm3link/pm3link/internal/cmd"
	"github.com/pm3link/pm3link/internal/server/usb"
	"github.com/pm3link/pm3link/transport"
	"github.com/pm3link/pm3link/usbdev"
	"github.com/pm3link/pm3link/usbip"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// startEmulate runs the emulate command and returns its address once it
// answers a device list.
func startEmulate(t *testing.T) string {
	t.Helper()
	addr := fmt.Sprintf("127.0.0.1:%d", freePort(t))
	e := cmd.Emulate{
		UsbServerConfig: usb.ServerConfig{Addr: addr, ConnectionTimeout: 5 * time.Second, PendingPollInterval: time.Millisecond},
		Device:          pm3.Config{Config: usbdev.Config{WaitLimit: usbdev.DefaultWaitLimit}, Version: "test build"},
		Bus:             1,
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.StartServer(ctx, slog.New(slog.DiscardHandler), nil) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errCh)
	})

	require.Eventually(t, func() bool {
		qctx, qcancel := context.WithTimeout(context.Background(), time.Second)
		defer qcancel()
		devs, err := usbip.ListDevices(qctx, &net.Dialer{}, addr)
		return err == nil && len(devs) == 1
	}, 5*time.Second, 20*time.Millisecond)
	return addr
}

// execRetry runs a client command. The server releases a device when it
// notices the previous session closed, so a quick reconnect can find it busy.
func execRetry(t *testing.T, run func() error) {
	t.Helper()
	var err error
	for range 50 {
		if err = run(); !errors.Is(err, usbip.ErrDeviceBusy) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
}

func link(addr string) cmd.Link {
	return cmd.Link{
		Port:      "usbip://" + addr + "/1-1",
		Timeout:   2 * time.Second,
		Transport: transport.DefaultConfig(),
		Comms:     comms.Config{BufferSize: comms.DefaultBufferSize, PollInterval: time.Millisecond},
	}
}

func TestPingAndSend(t *testing.T) {
	addr := startEmulate(t)
	logger := slog.New(slog.DiscardHandler)
	ctx := context.Background()

	var out bytes.Buffer
	p := cmd.Ping{Link: link(addr), Count: 3, Data: "c0ffee", Out: &out}
	require.NoError(t, p.Exec(ctx, logger, nil))
	assert.Contains(t, out.String(), "ping 0: ACK")
	assert.Contains(t, out.String(), "ping 2: ACK")

	s := cmd.Send{Link: link(addr), Command: "VERSION", Expect: "ACK", Out: &out}
	execRetry(t, func() error { out.Reset(); return s.Exec(ctx, logger, nil) })
	assert.Contains(t, out.String(), "cmd:  ACK")
	assert.Contains(t, out.String(), "test build")

	s = cmd.Send{Link: link(addr), Command: "0x0386", Args: []uint64{1, 2}, Expect: "NACK", Out: &out}
	execRetry(t, func() error { out.Reset(); return s.Exec(ctx, logger, nil) })
	assert.Contains(t, out.String(), "cmd:  NACK")
	assert.Contains(t, out.String(), "0x386")

	payload := string(bytes.Repeat([]byte("5a"), 512))
	s = cmd.Send{Link: link(addr), Command: "PING", Args: []uint64{7}, Data: payload, Out: &out}
	execRetry(t, func() error { out.Reset(); return s.Exec(ctx, logger, nil) })
	assert.Equal(t, "sent PING\n", out.String())
}

func TestSendRejectsBadInput(t *testing.T) {
	type testCase struct {
		name string
		send cmd.Send
	}
	cases := []testCase{
		{"unknown command", cmd.Send{Command: "BOGUS"}},
		{"too many args", cmd.Send{Command: "PING", Args: []uint64{1, 2, 3, 4}}},
		{"bad hex", cmd.Send{Command: "PING", Data: "zz"}},
		{"payload too large", cmd.Send{Command: "PING", Data: string(bytes.Repeat([]byte("00"), 513))}},
		{"unknown expect", cmd.Send{Command: "PING", Expect: "BOGUS"}},
		{"bad port", cmd.Send{Command: "PING", Link: cmd.Link{Port: "tcp://nowhere"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.send.Exec(context.Background(), slog.New(slog.DiscardHandler), nil))
		})
	}
}

func TestDescriptors(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, (&cmd.Descriptors{Out: &out}).Run())
	for _, want := range []string{"device (18 bytes)", "configuration (", "string 2 \"PM3\"", "bos (", "webusb url 1"} {
		assert.Contains(t, out.String(), want)
	}
}

func TestConfigInit(t *testing.T) {
	type testCase struct {
		command string
		format  string
		decode  func([]byte, any) error
		check   func(t *testing.T, m map[string]any)
	}
	cases := []testCase{
		{"emulate", "json", json.Unmarshal, func(t *testing.T, m map[string]any) {
			require.Contains(t, m, "usb")
			assert.Equal(t, ":3241", m["usb"].(map[string]any)["addr"])
			assert.Contains(t, m, "device")
		}},
		{"client", "yaml", yaml.Unmarshal, func(t *testing.T, m map[string]any) {
			assert.Equal(t, "serial://auto", m["port"])
			assert.Contains(t, m, "transport")
		}},
		{"proxy", "toml", toml.Unmarshal, func(t *testing.T, m map[string]any) {
			assert.Equal(t, ":3241", m["listenAddr"])
		}},
	}
	for _, tc := range cases {
		t.Run(tc.command+"."+tc.format, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), "out."+tc.format)
			var out bytes.Buffer
			c := cmd.ConfigInit{Command: tc.command, Format: tc.format, Output: dest, Out: &out}
			require.NoError(t, c.Run())
			assert.Contains(t, out.String(), dest)

			data, err := os.ReadFile(dest)
			require.NoError(t, err)
			var m map[string]any
			require.NoError(t, tc.decode(data, &m))
			tc.check(t, m)

			assert.Error(t, c.Run(), "existing file needs --force")
			c.Force = true
			assert.NoError(t, c.Run())
		})
	}
}
