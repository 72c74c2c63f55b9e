package usb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pm3link/pm3link/usb"
	"github.com/pm3link/pm3link/usbip"
	"github.com/pm3link/pm3link/virtualbus"
)

type submit struct {
	urb usbip.URB
	out []byte
}

// pendingIn is an IN URB the device had no data for yet.
type pendingIn struct {
	seq    uint32
	ep     uint32
	length uint32
}

type session struct {
	s       *Server
	conn    net.Conn
	dev     usb.Device
	busID   string
	pending []pendingIn
}

func (s *Server) handleUrbStream(ctx context.Context, conn net.Conn, m virtualbus.DeviceMeta) error {
	_ = conn.SetDeadline(time.Time{})
	sess := &session{s: s, conn: conn, dev: m.Dev, busID: m.Meta.BusID()}
	sess.dev.Reset()

	urbs := make(chan submit)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			u, err := usbip.ReadURB(conn)
			if err != nil {
				readErr <- fmt.Errorf("read URB header: %w", err)
				return
			}
			var out []byte
			if u.Basic.Command == usbip.CmdSubmitCode && u.Basic.Dir == usbip.DirOut && u.TransferBufferLen > 0 {
				out = make([]byte, u.TransferBufferLen)
				if err := usbip.ReadExactly(conn, out); err != nil {
					readErr <- fmt.Errorf("read OUT payload: %w", err)
					return
				}
			}
			select {
			case urbs <- submit{urb: u, out: out}:
			case <-done:
				return
			}
		}
	}()

	var tick <-chan time.Time
	if s.config.PendingPollInterval > 0 {
		t := time.NewTicker(s.config.PendingPollInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("device removed, closing URB stream", "busid", sess.busID)
			return nil
		case err := <-readErr:
			return err
		case sub := <-urbs:
			if ctx.Err() != nil {
				s.logger.Info("device removed, closing URB stream", "busid", sess.busID)
				return nil
			}
			if err := sess.handle(sub); err != nil {
				return err
			}
			if err := sess.retryPending(); err != nil {
				return err
			}
		case <-tick:
			if err := sess.retryPending(); err != nil {
				return err
			}
		}
	}
}

func (ss *session) handle(sub submit) error {
	u := sub.urb
	switch u.Basic.Command {
	case usbip.CmdUnlinkCode:
		status := int32(usbip.StatusOK)
		for i, p := range ss.pending {
			if p.seq == u.UnlinkSeqnum {
				ss.pending = append(ss.pending[:i], ss.pending[i+1:]...)
				status = usbip.StatusConnReset
				break
			}
		}
		ss.s.logger.Debug("USBIP_CMD_UNLINK", "seq", u.Basic.Seqnum, "unlink", u.UnlinkSeqnum, "status", status)
		ret := usbip.RetUnlink{Basic: usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: u.Basic.Seqnum}, Status: status}
		var buf bytes.Buffer
		_ = ret.Write(&buf)
		if _, err := ss.conn.Write(buf.Bytes()); err != nil {
			return fmt.Errorf("write RET_UNLINK: %w", err)
		}
		return nil
	case usbip.CmdSubmitCode:
	default:
		return fmt.Errorf("unsupported cmd %d (seq=%d)", u.Basic.Command, u.Basic.Seqnum)
	}

	var (
		in  []byte
		err error
	)
	if u.Basic.Ep == 0 {
		in, err = ss.dev.HandleControl(u.Setup, sub.out)
	} else {
		if u.Basic.Dir == usbip.DirIn && ss.blocked(u.Basic.Ep) {
			ss.pending = append(ss.pending, pendingIn{seq: u.Basic.Seqnum, ep: u.Basic.Ep, length: u.TransferBufferLen})
			return nil
		}
		in, err = ss.dev.HandleTransfer(u.Basic.Ep, u.Basic.Dir, u.TransferBufferLen, sub.out)
		if errors.Is(err, usb.ErrNAK) && u.Basic.Dir == usbip.DirIn {
			ss.pending = append(ss.pending, pendingIn{seq: u.Basic.Seqnum, ep: u.Basic.Ep, length: u.TransferBufferLen})
			return nil
		}
	}
	if u.Basic.Dir == usbip.DirOut {
		return ss.reply(u.Basic.Seqnum, uint32(len(sub.out)), nil, err)
	}
	if uint32(len(in)) > u.TransferBufferLen {
		in = in[:u.TransferBufferLen]
	}
	return ss.reply(u.Basic.Seqnum, uint32(len(in)), in, err)
}

// blocked reports whether an earlier IN URB on ep is still waiting, so a new
// one must queue behind it.
func (ss *session) blocked(ep uint32) bool {
	for _, p := range ss.pending {
		if p.ep == ep {
			return true
		}
	}
	return false
}

// retryPending completes waiting IN URBs in submission order. The first one
// that still has no data holds back the later ones of its endpoint.
func (ss *session) retryPending() error {
	if len(ss.pending) == 0 {
		return nil
	}
	held := map[uint32]bool{}
	kept := ss.pending[:0]
	for _, p := range ss.pending {
		if held[p.ep] {
			kept = append(kept, p)
			continue
		}
		in, err := ss.dev.HandleTransfer(p.ep, usbip.DirIn, p.length, nil)
		if errors.Is(err, usb.ErrNAK) {
			held[p.ep] = true
			kept = append(kept, p)
			continue
		}
		if uint32(len(in)) > p.length {
			in = in[:p.length]
		}
		if err := ss.reply(p.seq, uint32(len(in)), in, err); err != nil {
			return err
		}
	}
	ss.pending = kept
	return nil
}

func (ss *session) reply(seq, actual uint32, in []byte, err error) error {
	status := int32(usbip.StatusOK)
	if err != nil {
		status = usbip.StatusStall
		if !errors.Is(err, usb.ErrStall) {
			ss.s.logger.Warn("transfer failed", "busid", ss.busID, "seq", seq, "error", err)
		}
		actual, in = 0, nil
	}
	ret := usbip.RetSubmit{
		Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: seq},
		Status:       status,
		ActualLength: actual,
	}
	var out bytes.Buffer
	if err := ret.Write(&out); err != nil {
		return fmt.Errorf("build RET_SUBMIT header: %w", err)
	}
	out.Write(in)
	if _, err := ss.conn.Write(out.Bytes()); err != nil {
		return fmt.Errorf("write RET_SUBMIT: %w", err)
	}
	return nil
}
