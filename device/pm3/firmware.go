package pm3

import (
	"github.com/pm3link/pm3link/command"
)

// HandlerFunc answers one command frame with zero or more frames.
type HandlerFunc func(req command.Frame) []command.Frame

// Device info flags reported for CMD_DEVICE_INFO.
const (
	InfoBootromPresent uint64 = 1 << 0
	InfoOSImagePresent uint64 = 1 << 1
	InfoModeOS         uint64 = 1 << 3
)

func (d *PM3) defaultHandlers() map[uint64]HandlerFunc {
	return map[uint64]HandlerFunc{
		command.CmdPing: func(req command.Frame) []command.Frame {
			return []command.Frame{{Cmd: command.CmdAck, Args: req.Args, Data: req.Data}}
		},
		command.CmdVersion: func(command.Frame) []command.Frame {
			return []command.Frame{textFrame(command.CmdAck, d.version)}
		},
		command.CmdDeviceInfo: func(command.Frame) []command.Frame {
			return []command.Frame{command.New(command.CmdDeviceInfo, [command.ArgCount]uint64{InfoBootromPresent | InfoOSImagePresent | InfoModeOS}, nil)}
		},
		command.CmdStatus: func(command.Frame) []command.Frame {
			return []command.Frame{command.New(command.CmdAck, [command.ArgCount]uint64{}, nil)}
		},
		// the string comes back as device log output, then ACK
		command.CmdDebugPrintString: func(req command.Frame) []command.Frame {
			return []command.Frame{
				textFrame(command.CmdDebugPrintString, req.Text()),
				command.New(command.CmdAck, [command.ArgCount]uint64{}, nil),
			}
		},
	}
}

func nack(req command.Frame) []command.Frame {
	return []command.Frame{command.New(command.CmdNack, [command.ArgCount]uint64{req.Cmd}, nil)}
}

func textFrame(cmd uint64, s string) command.Frame {
	return command.New(cmd, [command.ArgCount]uint64{uint64(min(len(s), command.PayloadSize))}, []byte(s))
}
