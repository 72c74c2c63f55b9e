package proxy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pm3link/pm3link/command"
	"github.com/pm3link/pm3link/usb"
	"github.com/pm3link/pm3link/usbip"
)

const (
	mgmtHeaderSize     = 8
	exportedDeviceSize = 312
	maxBuffered        = 64 * 1024
)

type urbInfo struct {
	ep uint32
	in bool
}

// Parser decodes both directions of a proxied USB/IP connection for
// structured logging: management ops, URBs, and the command frames carried
// on the Proxmark bulk endpoints.
type Parser struct {
	logger *slog.Logger

	mu     sync.Mutex
	bufs   [2]bytes.Buffer
	urbs   map[uint32]urbInfo
	frames [2][]byte
}

func NewParser(logger *slog.Logger) *Parser {
	return &Parser{
		logger: logger,
		urbs:   map[uint32]urbInfo{},
	}
}

func side(clientToServer bool) int {
	if clientToServer {
		return 0
	}
	return 1
}

// Parse consumes a chunk read from one side. Incomplete messages stay
// buffered until the rest arrives.
func (p *Parser) Parse(data []byte, clientToServer bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := &p.bufs[side(clientToServer)]
	buf.Write(data)
	for buf.Len() >= mgmtHeaderSize {
		n := p.next(buf.Bytes(), clientToServer)
		if n == 0 {
			break
		}
		buf.Next(n)
	}
	if buf.Len() > maxBuffered {
		p.logger.Warn("Parser buffer overflow, resetting")
		buf.Reset()
	}
}

// next decodes one message at the start of data and returns its size, or 0
// if more bytes are needed.
func (p *Parser) next(data []byte, clientToServer bool) int {
	ver := binary.BigEndian.Uint16(data[0:2])
	code := binary.BigEndian.Uint16(data[2:4])
	if ver == usbip.Version {
		switch code {
		case usbip.OpReqDevlist:
			p.logOp(clientToServer, "OP_REQ_DEVLIST")
			return mgmtHeaderSize
		case usbip.OpReqImport:
			if len(data) < mgmtHeaderSize+usbip.BusIDSize {
				return 0
			}
			p.logOp(clientToServer, "OP_REQ_IMPORT", "busid", cString(data[8:40]))
			return mgmtHeaderSize + usbip.BusIDSize
		case usbip.OpRepDevlist:
			return p.parseOpRepDevlist(data, clientToServer)
		case usbip.OpRepImport:
			return p.parseOpRepImport(data, clientToServer)
		}
	}

	if len(data) < usbip.HeaderSize {
		return 0
	}
	u, err := usbip.ReadURB(bytes.NewReader(data[:usbip.HeaderSize]))
	if err != nil {
		p.logger.Warn("Unparseable USBIP data, resetting", "dir", dirString(clientToServer), "error", err)
		return len(data)
	}
	b := u.Basic
	switch b.Command {
	case usbip.CmdSubmitCode:
		payload := 0
		if b.Dir == usbip.DirOut {
			payload = int(u.TransferBufferLen)
		}
		if len(data) < usbip.HeaderSize+payload {
			return 0
		}
		p.urbs[b.Seqnum] = urbInfo{ep: b.Ep, in: b.Dir == usbip.DirIn}
		args := []any{"seq", b.Seqnum, "devid", b.Devid, "ep", b.Ep, "urb_dir", urbDirString(b.Dir), "len", u.TransferBufferLen}
		if b.Ep == 0 {
			setup, _ := usb.ParseSetupPacket(u.Setup[:])
			args = append(args, "setup", setup.String())
		}
		p.logOp(clientToServer, "CMD_SUBMIT", args...)
		if b.Ep == usb.BulkOutEndpoint && payload > 0 {
			p.frame(0, data[usbip.HeaderSize:usbip.HeaderSize+payload])
		}
		return usbip.HeaderSize + payload

	case usbip.RetSubmitCode:
		info, known := p.urbs[b.Seqnum]
		payload := 0
		if known && info.in {
			payload = int(u.ActualLength)
		}
		if len(data) < usbip.HeaderSize+payload {
			return 0
		}
		delete(p.urbs, b.Seqnum)
		p.logOp(clientToServer, "RET_SUBMIT", "seq", b.Seqnum, "status", u.Status, "actual_len", u.ActualLength)
		if known && info.ep == usb.BulkInEndpoint&0x0F && payload > 0 {
			p.frame(1, data[usbip.HeaderSize:usbip.HeaderSize+payload])
		}
		return usbip.HeaderSize + payload

	case usbip.CmdUnlinkCode:
		p.logOp(clientToServer, "CMD_UNLINK", "seq", b.Seqnum, "unlink_seq", u.UnlinkSeqnum)
	case usbip.RetUnlinkCode:
		p.logOp(clientToServer, "RET_UNLINK", "seq", b.Seqnum, "status", u.Status)
	}
	return usbip.HeaderSize
}

// frame collects bulk payload bytes of one direction (0 host to device, 1
// device to host) and logs every complete command frame.
func (p *Parser) frame(dir int, data []byte) {
	p.frames[dir] = append(p.frames[dir], data...)
	for len(p.frames[dir]) >= command.FrameSize {
		var f command.Frame
		_ = f.UnmarshalBinary(p.frames[dir])
		p.frames[dir] = p.frames[dir][command.FrameSize:]

		args := []any{"dir", []string{"H->D", "D->H"}[dir], "cmd", command.Name(f.Cmd), "args", fmt.Sprintf("%#x", f.Args)}
		if f.Cmd == command.CmdDebugPrintString {
			args = append(args, "text", f.Text())
		}
		p.logger.Info("PM3 frame", args...)
	}
}

func (p *Parser) logOp(clientToServer bool, op string, args ...any) {
	p.logger.Info("USBIP packet", append([]any{"dir", dirString(clientToServer), "op", op}, args...)...)
}

func (p *Parser) parseOpRepDevlist(data []byte, clientToServer bool) int {
	if len(data) < 12 {
		return 0
	}
	nDevices := binary.BigEndian.Uint32(data[8:12])

	// size the whole reply first so a partial one is left buffered
	offset := 12
	for i := uint32(0); i < nDevices; i++ {
		if len(data) < offset+exportedDeviceSize {
			return 0
		}
		offset += exportedDeviceSize + 4*int(data[offset+exportedDeviceSize-1])
	}
	if len(data) < offset {
		return 0
	}

	p.logOp(clientToServer, "OP_REP_DEVLIST", "nDevices", nDevices)
	r := bytes.NewReader(data[12:offset])
	for i := uint32(0); i < nDevices; i++ {
		d, err := usbip.ReadExportedDevice(r, true)
		if err != nil {
			break
		}
		p.logger.Info("  Device", deviceArgs(d)...)
		for j, iface := range d.Interfaces {
			p.logger.Info("    Interface",
				"num", j,
				"class", fmt.Sprintf("%02x", iface.Class),
				"subclass", fmt.Sprintf("%02x", iface.SubClass),
				"protocol", fmt.Sprintf("%02x", iface.Protocol))
		}
	}
	return offset
}

func (p *Parser) parseOpRepImport(data []byte, clientToServer bool) int {
	status := binary.BigEndian.Uint32(data[4:8])
	if status != usbip.StOK {
		p.logOp(clientToServer, "OP_REP_IMPORT", "status", status)
		return mgmtHeaderSize
	}
	if len(data) < mgmtHeaderSize+exportedDeviceSize {
		return 0
	}
	d, err := usbip.ReadExportedDevice(bytes.NewReader(data[mgmtHeaderSize:]), false)
	if err != nil {
		return mgmtHeaderSize + exportedDeviceSize
	}
	p.logOp(clientToServer, "OP_REP_IMPORT", append([]any{"status", status}, deviceArgs(d)...)...)
	return mgmtHeaderSize + exportedDeviceSize
}

func deviceArgs(d usbip.ExportedDevice) []any {
	return []any{
		"path", cString(d.Path[:]),
		"busid", d.BusID(),
		"bus", d.BusId,
		"dev", d.DevId,
		"speed", d.Speed,
		"vid", fmt.Sprintf("%04x", d.IDVendor),
		"pid", fmt.Sprintf("%04x", d.IDProduct),
		"bcd", fmt.Sprintf("%04x", d.BcdDevice),
		"class", fmt.Sprintf("%02x", d.BDeviceClass),
		"config", d.BConfigurationValue,
		"nInterfaces", d.BNumInterfaces,
	}
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func dirString(clientToServer bool) string {
	if clientToServer {
		return "C→S"
	}
	return "S→C"
}

func urbDirString(dir uint32) string {
	if dir == usbip.DirOut {
		return "OUT"
	}
	return "IN"
}
