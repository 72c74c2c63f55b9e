package pm3_test

import (
	"testing"

	"github.com/pm3link/pm3link/command"
	"github.com/pm3link/pm3link/device/pm3"
	"github.com/pm3link/pm3link/usb"
	"github.com/pm3link/pm3link/usbdev"
	"github.com/pm3link/pm3link/usbip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDevice(t *testing.T) *pm3.PM3 {
	t.Helper()
	return pm3.New(pm3.Config{Config: usbdev.Config{WaitLimit: usbdev.DefaultWaitLimit}, Version: "test firmware"}, nil)
}

func configure(t *testing.T, d *pm3.PM3) {
	t.Helper()
	for _, sp := range []usb.SetupPacket{
		{Request: usb.RequestSetAddress, Value: 3},
		{Request: usb.RequestSetConfiguration, Value: 1},
	} {
		_, err := d.HandleControl(sp.Bytes(), nil)
		require.NoError(t, err)
	}
	require.True(t, d.Configured())
}

func send(t *testing.T, d *pm3.PM3, f command.Frame) {
	t.Helper()
	b, err := f.MarshalBinary()
	require.NoError(t, err)
	// split like a host would, across several URBs
	for len(b) > 0 {
		n := min(len(b), 200)
		_, err := d.HandleTransfer(usbdev.EPOut, usbip.DirOut, uint32(n), b[:n])
		require.NoError(t, err)
		b = b[n:]
	}
}

func recv(t *testing.T, d *pm3.PM3) command.Frame {
	t.Helper()
	var b []byte
	for len(b) < command.FrameSize {
		in, err := d.HandleTransfer(usbdev.EPIn, usbip.DirIn, usbdev.BulkPacketSize, nil)
		require.NoError(t, err)
		b = append(b, in...)
	}
	var f command.Frame
	require.NoError(t, f.UnmarshalBinary(b))
	return f
}

func TestEnumeration(t *testing.T) {
	d := newDevice(t)

	in, err := d.HandleControl(usb.SetupPacket{
		RequestType: usb.TypeStandardFromDevice,
		Request:     usb.RequestGetDescriptor,
		Value:       uint16(usb.DeviceDescType) << 8,
		Length:      0x40,
	}.Bytes(), nil)
	require.NoError(t, err)
	require.Len(t, in, usb.DeviceDescLen)
	assert.Equal(t, []byte{0xC4, 0x9A, 0x8F, 0x4B}, in[8:12])

	_, err = d.HandleControl(usb.SetupPacket{RequestType: usb.TypeStandardToDevice, Request: usb.RequestSetDescriptor}.Bytes(), nil)
	assert.ErrorIs(t, err, usb.ErrStall)

	configure(t, d)

	desc := d.GetDescriptor()
	assert.Equal(t, uint16(usb.VendorID), desc.Device.IDVendor)
	assert.Len(t, desc.Interfaces, 3)
}

func TestLineCodingOverControl(t *testing.T) {
	d := newDevice(t)
	configure(t, d)

	lc := usbdev.LineCoding{BaudRate: 9600, DataBits: 8}
	_, err := d.HandleControl(usb.SetupPacket{
		RequestType: usb.TypeClassToInterface,
		Request:     usb.RequestSetLineCoding,
		Length:      usbdev.LineCodingSize,
	}.Bytes(), lc.Bytes())
	require.NoError(t, err)
	assert.Equal(t, lc, d.LineCoding())
}

func TestCommands(t *testing.T) {
	type testCase struct {
		name string
		req  command.Frame
		want func(t *testing.T, resp command.Frame)
	}
	cases := []testCase{
		{
			name: "ping echoes args",
			req:  command.New(command.CmdPing, [3]uint64{1, 2, 3}, []byte("hello")),
			want: func(t *testing.T, resp command.Frame) {
				assert.Equal(t, command.CmdAck, resp.Cmd)
				assert.Equal(t, [3]uint64{1, 2, 3}, resp.Args)
				assert.Equal(t, []byte("hello"), resp.Data[:5])
			},
		},
		{
			name: "version",
			req:  command.New(command.CmdVersion, [3]uint64{}, nil),
			want: func(t *testing.T, resp command.Frame) {
				assert.Equal(t, command.CmdAck, resp.Cmd)
				assert.Equal(t, "test firmware", resp.Text())
			},
		},
		{
			name: "device info",
			req:  command.New(command.CmdDeviceInfo, [3]uint64{}, nil),
			want: func(t *testing.T, resp command.Frame) {
				assert.Equal(t, command.CmdDeviceInfo, resp.Cmd)
				assert.NotZero(t, resp.Args[0]&pm3.InfoModeOS)
			},
		},
		{
			name: "unknown",
			req:  command.New(0x0815, [3]uint64{}, nil),
			want: func(t *testing.T, resp command.Frame) {
				assert.Equal(t, command.CmdNack, resp.Cmd)
				assert.Equal(t, uint64(0x0815), resp.Args[0])
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newDevice(t)
			configure(t, d)

			send(t, d, tc.req)
			tc.want(t, recv(t, d))

			_, err := d.HandleTransfer(usbdev.EPIn, usbip.DirIn, usbdev.BulkPacketSize, nil)
			assert.ErrorIs(t, err, usb.ErrNAK)
		})
	}
}

func TestDebugStringEcho(t *testing.T) {
	d := newDevice(t)
	configure(t, d)

	send(t, d, command.New(command.CmdDebugPrintString, [3]uint64{5}, []byte("hello")))
	dbg := recv(t, d)
	assert.Equal(t, command.CmdDebugPrintString, dbg.Cmd)
	assert.Equal(t, "hello", dbg.Text())
	assert.Equal(t, command.CmdAck, recv(t, d).Cmd)
}

func TestCustomHandler(t *testing.T) {
	d := newDevice(t)
	configure(t, d)
	d.Handle(0x0400, func(req command.Frame) []command.Frame {
		return []command.Frame{command.New(command.CmdAck, [3]uint64{req.Args[0] + 1}, nil)}
	})

	send(t, d, command.New(0x0400, [3]uint64{41}, nil))
	assert.Equal(t, uint64(42), recv(t, d).Args[0])
}

func TestLargeInTransfer(t *testing.T) {
	d := newDevice(t)
	configure(t, d)

	send(t, d, command.New(command.CmdPing, [3]uint64{7}, nil))
	in, err := d.HandleTransfer(usbdev.EPIn, usbip.DirIn, 4096, nil)
	require.NoError(t, err)
	require.Len(t, in, command.FrameSize)

	var f command.Frame
	require.NoError(t, f.UnmarshalBinary(in))
	assert.Equal(t, uint64(7), f.Args[0])
}

func TestUnconfiguredOutStalls(t *testing.T) {
	d := newDevice(t)

	_, err := d.HandleTransfer(usbdev.EPOut, usbip.DirOut, 4, []byte{1, 2, 3, 4})
	assert.ErrorIs(t, err, usb.ErrStall)
	_, err = d.HandleTransfer(usbdev.EPIn, usbip.DirIn, 64, nil)
	assert.ErrorIs(t, err, usb.ErrNAK)
	_, err = d.HandleTransfer(usbdev.EPNotify, usbip.DirIn, 16, nil)
	assert.ErrorIs(t, err, usb.ErrNAK)
	_, err = d.HandleTransfer(5, usbip.DirIn, 16, nil)
	assert.ErrorIs(t, err, usb.ErrStall)
}

func TestResetDropsState(t *testing.T) {
	d := newDevice(t)
	configure(t, d)

	send(t, d, command.New(command.CmdPing, [3]uint64{}, nil))
	d.Reset()
	assert.False(t, d.Configured())
	_, err := d.HandleTransfer(usbdev.EPIn, usbip.DirIn, 64, nil)
	assert.ErrorIs(t, err, usb.ErrNAK)
}
