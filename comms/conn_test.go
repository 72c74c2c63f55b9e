package comms_test

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pm3link/pm3link/command"
	"github.com/pm3link/pm3link/comms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func testConfig() comms.Config {
	return comms.Config{BufferSize: comms.DefaultBufferSize, PollInterval: time.Millisecond}
}

// pipe returns a connection and the device end of its transport.
func pipe(t *testing.T, cfg comms.Config, logger *slog.Logger) (*comms.Conn, net.Conn) {
	t.Helper()
	host, dev := net.Pipe()
	c := comms.New(host, cfg, logger)
	t.Cleanup(func() {
		_ = c.Close()
		_ = dev.Close()
	})
	return c, dev
}

func deviceSend(t *testing.T, dev net.Conn, frames ...command.Frame) {
	t.Helper()
	for _, f := range frames {
		b, err := f.MarshalBinary()
		require.NoError(t, err)
		require.NoError(t, dev.SetWriteDeadline(time.Now().Add(2*time.Second)))
		_, err = dev.Write(b)
		require.NoError(t, err)
	}
}

func deviceRecv(t *testing.T, dev net.Conn) command.Frame {
	t.Helper()
	require.NoError(t, dev.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, command.FrameSize)
	_, err := io.ReadFull(dev, buf)
	require.NoError(t, err)
	var f command.Frame
	require.NoError(t, f.UnmarshalBinary(buf))
	return f
}

func waitBuffered(t *testing.T, c *comms.Conn, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Buffered() == n }, 2*time.Second, time.Millisecond)
}

func TestWaitReturnsOldestMatch(t *testing.T) {
	c, dev := pipe(t, testConfig(), nil)
	deviceSend(t, dev, frame(1, 0), frame(2, 1), frame(1, 2), frame(3, 3))
	waitBuffered(t, c, 4)

	f := c.WaitForResponse(1)
	assert.Equal(t, uint64(0), f.Args[0])
	assert.Equal(t, 3, c.Buffered())

	f = c.WaitForResponse(1)
	assert.Equal(t, uint64(2), f.Args[0])
	assert.Equal(t, 2, c.Buffered())

	_, ok := c.WaitForResponseTimeout(1, 0)
	assert.False(t, ok)

	f, ok = c.WaitForResponseTimeout(2, 0)
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.Args[0])
	f, ok = c.WaitForResponseTimeout(3, 0)
	require.True(t, ok)
	assert.Equal(t, uint64(3), f.Args[0])
	assert.Zero(t, c.Buffered())
}

func TestWaitBlocksUntilFrameArrives(t *testing.T) {
	c, dev := pipe(t, testConfig(), nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		b, _ := frame(command.CmdAck, 7).MarshalBinary()
		_, _ = dev.Write(b)
	}()
	f, ok := c.WaitForResponseTimeout(command.CmdAck, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, uint64(7), f.Args[0])
}

func TestWaitTimeoutNeverEarly(t *testing.T) {
	cases := []struct {
		name    string
		timeout time.Duration
		poll    time.Duration
	}{
		{"zero", 0, time.Millisecond},
		{"short", 3 * time.Millisecond, 10 * time.Millisecond},
		{"poll multiple", 30 * time.Millisecond, 10 * time.Millisecond},
		{"odd", 47 * time.Millisecond, 20 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, dev := pipe(t, comms.Config{PollInterval: tc.poll}, nil)
			deviceSend(t, dev, frame(2, 0))
			waitBuffered(t, c, 1)

			start := time.Now()
			_, ok := c.WaitForResponseTimeout(1, tc.timeout)
			elapsed := time.Since(start)
			assert.False(t, ok)
			assert.GreaterOrEqual(t, elapsed, tc.timeout)
			assert.Less(t, elapsed, tc.timeout+time.Second)
			assert.Equal(t, 1, c.Buffered(), "non matching frame left in place")
		})
	}
}

func TestDebugFramesAreLoggedNotBuffered(t *testing.T) {
	var out syncBuffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelInfo}))
	c, dev := pipe(t, testConfig(), logger)

	text := "hello from the arm"
	deviceSend(t, dev,
		command.New(command.CmdDebugPrintString, [3]uint64{uint64(len(text))}, []byte(text)),
		command.New(command.CmdDebugPrintIntegers, [3]uint64{1, 0xabc, 3}, nil),
		command.New(command.CmdDebugPrintBytes, [3]uint64{2}, []byte{0xde, 0xad}),
		frame(command.CmdAck, 1),
	)
	waitBuffered(t, c, 1)

	_, ok := c.WaitForResponseTimeout(command.CmdDebugPrintString, 0)
	assert.False(t, ok)
	logs := out.String()
	assert.Contains(t, logs, "#db# hello from the arm")
	assert.Contains(t, logs, "#db# 00000001, 00000abc, 00000003")
	assert.Contains(t, logs, "#db# de ad")
}

func TestOverflowDropsOldest(t *testing.T) {
	var out syncBuffer
	logger := slog.New(slog.NewTextHandler(&out, nil))
	c, dev := pipe(t, comms.Config{BufferSize: 3, PollInterval: time.Millisecond}, logger)

	for i := 0; i < 5; i++ {
		deviceSend(t, dev, frame(9, uint64(i)))
	}
	require.Eventually(t, func() bool { return c.Overflows() == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 3, c.Buffered())

	for want := uint64(2); want < 5; want++ {
		f, ok := c.WaitForResponseTimeout(9, 0)
		require.True(t, ok)
		assert.Equal(t, want, f.Args[0])
	}
	assert.Contains(t, out.String(), "response buffer full")
}

func TestClearCommandBuffer(t *testing.T) {
	c, dev := pipe(t, testConfig(), nil)
	deviceSend(t, dev, frame(1, 0), frame(2, 1))
	waitBuffered(t, c, 2)

	c.ClearCommandBuffer()
	assert.Zero(t, c.Buffered())
	_, ok := c.WaitForResponseTimeout(1, 0)
	assert.False(t, ok)
}

func TestSendOnline(t *testing.T) {
	c, dev := pipe(t, testConfig(), nil)
	require.True(t, c.Online())

	for i := 0; i < 3; i++ {
		sent := make(chan error, 1)
		want := command.New(command.CmdPing, [3]uint64{uint64(i)}, []byte("x"))
		go func() { sent <- c.SendCommand(want) }()
		assert.Equal(t, want, deviceRecv(t, dev))
		require.NoError(t, <-sent)
	}
}

func TestOfflineSendKeepsLatestAndFlushesOnce(t *testing.T) {
	c := comms.NewOffline(testConfig(), nil)
	t.Cleanup(func() { _ = c.Close() })
	assert.False(t, c.Online())

	first := frame(command.CmdPing, 1)
	second := frame(command.CmdVersion, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, c.SendCommand(first))
		assert.NoError(t, c.SendCommand(second))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("offline send blocked")
	}

	pending, ok := c.Pending()
	require.True(t, ok)
	assert.Equal(t, second, pending)

	host, dev := net.Pipe()
	t.Cleanup(func() { _ = dev.Close() })
	require.NoError(t, c.Reconnect(host))
	assert.True(t, c.Online())

	assert.Equal(t, second, deviceRecv(t, dev))

	require.NoError(t, dev.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err := dev.Read(make([]byte, 1))
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "unexpected second transmission: %v", err)
	_, ok = c.Pending()
	assert.False(t, ok)
}

func TestTransportLossAndReconnect(t *testing.T) {
	c, dev := pipe(t, testConfig(), nil)

	require.NoError(t, dev.Close())
	require.Eventually(t, func() bool { return !c.Online() }, 2*time.Second, time.Millisecond)

	// waits time out instead of failing
	_, ok := c.WaitForResponseTimeout(command.CmdAck, 5*time.Millisecond)
	assert.False(t, ok)

	require.NoError(t, c.SendCommand(frame(command.CmdPing, 42)))

	host, dev2 := net.Pipe()
	t.Cleanup(func() { _ = dev2.Close() })
	require.NoError(t, c.Reconnect(host))

	assert.Equal(t, uint64(42), deviceRecv(t, dev2).Args[0])
	deviceSend(t, dev2, frame(command.CmdAck, 42))
	f, ok := c.WaitForResponseTimeout(command.CmdAck, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, uint64(42), f.Args[0])
}

func TestClose(t *testing.T) {
	host, dev := net.Pipe()
	defer dev.Close()
	c := comms.New(host, testConfig(), nil)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.SendCommand(frame(1, 0)), comms.ErrClosed)
	assert.ErrorIs(t, c.Reconnect(nil), comms.ErrClosed)
	assert.ErrorIs(t, c.Close(), comms.ErrClosed)
	assert.False(t, c.Online())

	_, err := host.Write([]byte{0})
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

// stuckTransport blocks reads until closed and fails the close itself.
type stuckTransport struct {
	closed chan struct{}
	once   sync.Once
}

func (s *stuckTransport) Read([]byte) (int, error) {
	<-s.closed
	return 0, io.EOF
}

func (s *stuckTransport) Write(p []byte) (int, error) { return len(p), nil }

func (s *stuckTransport) Close() error {
	s.once.Do(func() { close(s.closed) })
	return os.ErrPermission
}

func TestCloseReportsTransportError(t *testing.T) {
	c := comms.New(&stuckTransport{closed: make(chan struct{})}, testConfig(), nil)

	err := c.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrPermission)
}

// gatedTransport holds every Write until release is closed.
type gatedTransport struct {
	net.Conn
	release chan struct{}
}

func (g *gatedTransport) Write(p []byte) (int, error) {
	<-g.release
	return g.Conn.Write(p)
}

func TestFlushWaitsForWriteInProgress(t *testing.T) {
	host, dev := net.Pipe()
	t.Cleanup(func() { _ = dev.Close() })
	gate := &gatedTransport{Conn: host, release: make(chan struct{})}
	c := comms.New(gate, testConfig(), nil)

	want := command.New(command.CmdPing, [3]uint64{1, 2, 3}, bytes.Repeat([]byte{0xa5}, command.PayloadSize))
	require.NoError(t, c.SendCommand(want))
	require.Eventually(t, func() bool { _, ok := c.Pending(); return !ok }, 2*time.Second, time.Millisecond)

	err := c.Flush(20 * time.Millisecond)
	assert.ErrorIs(t, err, comms.ErrFlushTimeout, "frame dequeued but not written")

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, command.FrameSize)
		_ = dev.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _ := io.ReadFull(dev, buf)
		got <- buf[:n]
	}()
	close(gate.release)

	require.NoError(t, c.Flush(2*time.Second))
	require.NoError(t, c.Close())

	b := <-got
	require.Len(t, b, command.FrameSize)
	var f command.Frame
	require.NoError(t, f.UnmarshalBinary(b))
	assert.Equal(t, want, f)
}

func TestFlush(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		c, _ := pipe(t, testConfig(), nil)
		assert.NoError(t, c.Flush(0))
	})
	t.Run("offline pending", func(t *testing.T) {
		c := comms.NewOffline(testConfig(), nil)
		t.Cleanup(func() { _ = c.Close() })
		require.NoError(t, c.SendCommand(frame(command.CmdPing, 1)))

		start := time.Now()
		assert.ErrorIs(t, c.Flush(30*time.Millisecond), comms.ErrFlushTimeout)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})
	t.Run("closed", func(t *testing.T) {
		c := comms.NewOffline(testConfig(), nil)
		require.NoError(t, c.Close())
		assert.ErrorIs(t, c.Flush(time.Second), comms.ErrClosed)
	})
}

func TestCloseLogsWriteCutOff(t *testing.T) {
	var out syncBuffer
	logger := slog.New(slog.NewTextHandler(&out, nil))
	host, dev := net.Pipe()
	t.Cleanup(func() { _ = dev.Close() })
	c := comms.New(host, testConfig(), logger)

	// nobody reads dev, so the write stays in progress until Close
	require.NoError(t, c.SendCommand(frame(command.CmdPing, 9)))
	require.Eventually(t, func() bool { _, ok := c.Pending(); return !ok }, 2*time.Second, time.Millisecond)
	require.NoError(t, c.Close())
	assert.Contains(t, out.String(), "command cut off by close")
}
