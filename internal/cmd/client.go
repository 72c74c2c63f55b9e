package cmd

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pm3link/pm3link/command"
	"github.com/pm3link/pm3link/comms"
	"github.com/pm3link/pm3link/internal/log"
	"github.com/pm3link/pm3link/transport"
)

// Link selects and tunes the connection to a Proxmark.
type Link struct {
	Port      string           `help:"Device: serial path, serial://auto, usb:// or usbip://host[:port]/busid" default:"serial://auto" env:"PM3LINK_PORT"`
	Timeout   time.Duration    `help:"Time to wait for each response (negative waits forever)" default:"2s" env:"PM3LINK_TIMEOUT"`
	Transport transport.Config `embed:"" prefix:"transport."`
	Comms     comms.Config     `embed:"" prefix:"comms."`
}

func (l *Link) connect(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) (*comms.Conn, error) {
	t, err := transport.Open(ctx, l.Port, l.Transport, logger, rawLogger)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", l.Port, err)
	}
	return comms.New(t, l.Comms, logger), nil
}

// Ping checks the link round trip with CMD_PING.
type Ping struct {
	Link  `embed:""`
	Count int    `help:"Number of pings to send" default:"1" env:"PM3LINK_PING_COUNT"`
	Data  string `help:"Hex payload carried by each ping"`

	Out io.Writer `kong:"-"`
}

// Run is called by Kong when the ping command is executed.
func (p *Ping) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return p.Exec(ctx, logger, rawLogger)
}

// Exec sends the pings and checks that every ACK echoes its arguments.
func (p *Ping) Exec(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	payload, err := hex.DecodeString(p.Data)
	if err != nil {
		return fmt.Errorf("invalid --data: %w", err)
	}
	conn, err := p.connect(ctx, logger, rawLogger)
	if err != nil {
		return err
	}
	defer conn.Close()

	out := stdout(p.Out)
	for i := range max(p.Count, 1) {
		if err := ctx.Err(); err != nil {
			return err
		}
		args := [command.ArgCount]uint64{uint64(i), uint64(len(payload)), uint64(time.Now().UnixNano())}
		start := time.Now()
		if err := conn.SendCommand(command.New(command.CmdPing, args, payload)); err != nil {
			return err
		}
		resp, ok := conn.WaitForResponseTimeout(command.CmdAck, p.Timeout)
		if !ok {
			return fmt.Errorf("ping %d: no ACK within %s", i, p.Timeout)
		}
		if resp.Args != args {
			return fmt.Errorf("ping %d: ACK carries %#x, want %#x", i, resp.Args, args)
		}
		fmt.Fprintf(out, "ping %d: ACK in %s\n", i, time.Since(start).Round(time.Microsecond))
	}
	return nil
}

// Send transmits one command frame and prints the response.
type Send struct {
	Link    `embed:""`
	Command string   `arg:"" help:"Command name or id, e.g. VERSION or 0x107"`
	Args    []uint64 `help:"Up to three frame arguments" sep:","`
	Data    string   `help:"Hex payload"`
	Expect  string   `help:"Response command to wait for, empty to not wait" default:"ACK" env:"PM3LINK_EXPECT"`

	Out io.Writer `kong:"-"`
}

// Run is called by Kong when the send command is executed.
func (s *Send) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Exec(ctx, logger, rawLogger)
}

// Exec sends the frame and waits for the expected response, if any.
func (s *Send) Exec(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	id, err := command.ParseID(s.Command)
	if err != nil {
		return err
	}
	if len(s.Args) > command.ArgCount {
		return fmt.Errorf("at most %d arguments, got %d", command.ArgCount, len(s.Args))
	}
	var args [command.ArgCount]uint64
	copy(args[:], s.Args)
	payload, err := hex.DecodeString(s.Data)
	if err != nil {
		return fmt.Errorf("invalid --data: %w", err)
	}
	if len(payload) > command.PayloadSize {
		return fmt.Errorf("payload is %d bytes, the frame holds %d", len(payload), command.PayloadSize)
	}
	var expect uint64
	if s.Expect != "" {
		if expect, err = command.ParseID(s.Expect); err != nil {
			return err
		}
	}

	conn, err := s.connect(ctx, logger, rawLogger)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SendCommand(command.New(id, args, payload)); err != nil {
		return err
	}
	if s.Expect == "" {
		// Close cuts off a frame that is not fully written
		if err := conn.Flush(s.Timeout); err != nil {
			return fmt.Errorf("%s not transmitted: %w", command.Name(id), err)
		}
		fmt.Fprintf(stdout(s.Out), "sent %s\n", command.Name(id))
		return nil
	}
	resp, ok := conn.WaitForResponseTimeout(expect, s.Timeout)
	if !ok {
		return fmt.Errorf("no %s within %s", command.Name(expect), s.Timeout)
	}
	printFrame(stdout(s.Out), resp)
	return nil
}

func printFrame(w io.Writer, f command.Frame) {
	fmt.Fprintf(w, "cmd:  %s\nargs: %#x\n", command.Name(f.Cmd), f.Args)
	if data := bytes.TrimRight(f.Data[:], "\x00"); len(data) > 0 {
		fmt.Fprintf(w, "data:\n%s", hex.Dump(data))
	}
}

func stdout(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
