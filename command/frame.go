// Package command is the wire format shared by the Proxmark firmware and its
// host client: one fixed size frame carrying a command id, three argument
// words and a payload.
package command

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// PayloadSize is the size of the payload region of a frame.
	PayloadSize = 512
	// ArgCount is the number of argument words.
	ArgCount = 3
	// FrameSize is the encoded size of a frame.
	FrameSize = 8 + ArgCount*8 + PayloadSize
)

// ErrShortFrame is returned when decoding fewer than FrameSize bytes.
var ErrShortFrame = errors.New("short command frame")

// Frame is one command or response.
//
// Layout (little endian):
//
//	  0-7:   Cmd
//	  8-31:  Args[0..2]
//	 32-543: Data
type Frame struct {
	Cmd  uint64
	Args [ArgCount]uint64
	Data [PayloadSize]byte
}

// New builds a frame. data beyond PayloadSize is dropped.
func New(cmd uint64, args [ArgCount]uint64, data []byte) Frame {
	f := Frame{Cmd: cmd, Args: args}
	copy(f.Data[:], data)
	return f
}

// MarshalBinary encodes the frame to FrameSize bytes.
func (f Frame) MarshalBinary() ([]byte, error) {
	return f.AppendBinary(make([]byte, 0, FrameSize))
}

// AppendBinary appends the encoded frame to b.
func (f Frame) AppendBinary(b []byte) ([]byte, error) {
	b = binary.LittleEndian.AppendUint64(b, f.Cmd)
	for _, a := range f.Args {
		b = binary.LittleEndian.AppendUint64(b, a)
	}
	return append(b, f.Data[:]...), nil
}

// UnmarshalBinary decodes the first FrameSize bytes of data.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < FrameSize {
		return fmt.Errorf("%w: %d of %d bytes", ErrShortFrame, len(data), FrameSize)
	}
	f.Cmd = binary.LittleEndian.Uint64(data[0:8])
	for i := range f.Args {
		off := 8 + i*8
		f.Args[i] = binary.LittleEndian.Uint64(data[off : off+8])
	}
	copy(f.Data[:], data[8+ArgCount*8:FrameSize])
	return nil
}

// Text returns the payload of a debug string frame, whose length is in Args[0].
func (f Frame) Text() string {
	n := min(f.Args[0], PayloadSize)
	return string(f.Data[:n])
}

func (f Frame) String() string {
	return fmt.Sprintf("%s args=[%#x %#x %#x]", Name(f.Cmd), f.Args[0], f.Args[1], f.Args[2])
}
