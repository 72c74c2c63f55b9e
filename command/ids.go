package command

import (
	"fmt"
	"strconv"
	"strings"
)

// Command ids used by the link itself. Everything else is opaque to it.
const (
	CmdDeviceInfo         uint64 = 0x0000
	CmdDebugPrintString   uint64 = 0x0100
	CmdDebugPrintIntegers uint64 = 0x0101
	CmdDebugPrintBytes    uint64 = 0x0102
	CmdVersion            uint64 = 0x0107
	CmdStatus             uint64 = 0x0108
	CmdPing               uint64 = 0x0109
	CmdAck                uint64 = 0x00ff
	CmdNack               uint64 = 0x00fe
)

var names = map[uint64]string{
	CmdDeviceInfo:         "DEVICE_INFO",
	CmdDebugPrintString:   "DEBUG_PRINT_STRING",
	CmdDebugPrintIntegers: "DEBUG_PRINT_INTEGERS",
	CmdDebugPrintBytes:    "DEBUG_PRINT_BYTES",
	CmdVersion:            "VERSION",
	CmdStatus:             "STATUS",
	CmdPing:               "PING",
	CmdAck:                "ACK",
	CmdNack:               "NACK",
}

// Name returns the symbolic name of a command id, or its hex value.
func Name(cmd uint64) string {
	if n, ok := names[cmd]; ok {
		return n
	}
	return fmt.Sprintf("%#04x", cmd)
}

// IsDebug reports whether frames with this id are device log output rather
// than responses.
func IsDebug(cmd uint64) bool {
	return cmd == CmdDebugPrintString || cmd == CmdDebugPrintIntegers || cmd == CmdDebugPrintBytes
}

// ParseID accepts a symbolic name (case-insensitive) or a number in any base
// strconv understands, such as 0x109.
func ParseID(s string) (uint64, error) {
	for id, n := range names {
		if strings.EqualFold(n, s) || strings.EqualFold("CMD_"+n, s) {
			return id, nil
		}
	}
	id, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown command %q", s)
	}
	return id, nil
}
