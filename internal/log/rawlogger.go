package log

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// RawLogger hex-dumps every chunk crossing the link.
type RawLogger interface {
	// Log records one chunk. toDevice is true for host to device traffic.
	Log(toDevice bool, data []byte)
}

type rawLogger struct {
	w  io.Writer
	mu sync.Mutex
}

// NewRaw creates a new RawLogger. If w is nil, returns a no-op logger.
func NewRaw(w io.Writer) RawLogger {
	return &rawLogger{w: w}
}

// OpenRaw returns the raw logger for the given settings: a file when path is
// set, stderr at trace level, and a no-op logger otherwise. The closer is nil
// unless a file was opened.
func OpenRaw(path, level string) (RawLogger, io.Closer, error) {
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open raw log: %w", err)
		}
		return NewRaw(f), f, nil
	}
	if ParseLevel(level) <= LevelTrace {
		return NewRaw(os.Stderr), nil, nil
	}
	return NewRaw(nil), nil, nil
}

// Log emits a single-line raw packet log with timestamp and hex dump.
func (r *rawLogger) Log(toDevice bool, data []byte) {
	if len(data) == 0 {
		return
	}
	if r.w == nil {
		return
	}

	dir := "D->H"
	if toDevice {
		dir = "H->D"
	}

	var hexbuf bytes.Buffer
	const hexdigits = "0123456789abcdef"
	for i, b := range data {
		if i > 0 {
			hexbuf.WriteByte(' ')
		}
		hexbuf.WriteByte(hexdigits[b>>4])
		hexbuf.WriteByte(hexdigits[b&0x0f])
	}

	line := fmt.Sprintf("%s %s chunk: %d bytes, hex: %s\n",
		time.Now().Format("2006/01/02 15:04:05"),
		dir,
		len(data),
		hexbuf.String())

	r.mu.Lock()
	_, _ = r.w.Write([]byte(line))
	r.mu.Unlock()
}

// Tap wraps a host side stream so every read and write is passed to raw.
// Reads are device to host, writes host to device.
func Tap(rw io.ReadWriteCloser, raw RawLogger) io.ReadWriteCloser {
	if raw == nil {
		return rw
	}
	return &tap{rw: rw, raw: raw}
}

type tap struct {
	rw  io.ReadWriteCloser
	raw RawLogger
}

func (t *tap) Read(p []byte) (int, error) {
	n, err := t.rw.Read(p)
	if n > 0 {
		t.raw.Log(false, p[:n])
	}
	return n, err
}

func (t *tap) Write(p []byte) (int, error) {
	n, err := t.rw.Write(p)
	if n > 0 {
		t.raw.Log(true, p[:n])
	}
	return n, err
}

func (t *tap) Close() error { return t.rw.Close() }
