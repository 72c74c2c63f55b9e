package usb_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pm3link/pm3link/command"
	"github.com/pm3link/pm3link/device/pm3"
	srvusb "github.com/pm3link/pm3link/internal/server/usb"
	"github.com/pm3link/pm3link/usb"
	"github.com/pm3link/pm3link/usbdev"
	"github.com/pm3link/pm3link/usbip"
	"github.com/pm3link/pm3link/virtualbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	srv  *srvusb.Server
	bus  *virtualbus.VirtualBus
	dev  *pm3.PM3
	addr string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := srvusb.New(srvusb.ServerConfig{
		Addr:                "127.0.0.1:0",
		ConnectionTimeout:   5 * time.Second,
		PendingPollInterval: time.Millisecond,
	}, nil, nil)
	bus := virtualbus.New(1)
	require.NoError(t, srv.AddBus(bus))
	dev := pm3.New(pm3.Config{Config: usbdev.Config{WaitLimit: usbdev.DefaultWaitLimit}, Version: "server test"}, nil)
	_, err := bus.Add(dev)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	<-srv.Ready()
	t.Cleanup(func() { _ = srv.Close() })

	return &fixture{srv: srv, bus: bus, dev: dev, addr: ln.Addr().String()}
}

func (f *fixture) attach(t *testing.T) *usbip.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := usbip.Import(ctx, &net.Dialer{}, f.addr, "1-1", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDevList(t *testing.T) {
	f := newFixture(t)

	devs, err := usbip.ListDevices(testCtx(t), &net.Dialer{}, f.addr)
	require.NoError(t, err)
	require.Len(t, devs, 1)
	d := devs[0]
	assert.Equal(t, "1-1", d.BusID())
	assert.Equal(t, uint16(usb.VendorID), d.IDVendor)
	assert.Equal(t, uint16(usb.ProductID), d.IDProduct)
	assert.Equal(t, uint8(1), d.BConfigurationValue)
	require.Len(t, d.Interfaces, 3)
	assert.Equal(t, uint8(0x02), d.Interfaces[0].Class)
	assert.Equal(t, uint8(0x0A), d.Interfaces[1].Class)
	assert.NotZero(t, f.srv.GetListenPort())
}

func TestImportUnknownBusID(t *testing.T) {
	f := newFixture(t)

	_, err := usbip.Import(testCtx(t), &net.Dialer{}, f.addr, "9-9", nil)
	assert.ErrorIs(t, err, usbip.ErrNoSuchDevice)
}

func TestImportBusy(t *testing.T) {
	f := newFixture(t)
	f.attach(t)

	_, err := usbip.Import(testCtx(t), &net.Dialer{}, f.addr, "1-1", nil)
	assert.ErrorIs(t, err, usbip.ErrDeviceBusy)
}

func TestControlOverUSBIP(t *testing.T) {
	f := newFixture(t)
	c := f.attach(t)
	ctx := testCtx(t)

	in, err := c.Control(ctx, usb.SetupPacket{
		RequestType: usb.TypeStandardFromDevice,
		Request:     usb.RequestGetDescriptor,
		Value:       uint16(usb.ConfigDescType) << 8,
		Length:      9,
	}.Bytes(), nil)
	require.NoError(t, err)
	require.Len(t, in, 9)
	assert.Equal(t, byte(usb.ConfigDescType), in[1])

	_, err = c.Control(ctx, usb.SetupPacket{RequestType: usb.TypeStandardToDevice, Request: usb.RequestSetFeature}.Bytes(), nil)
	assert.ErrorIs(t, err, usbip.ErrStall)

	_, err = c.Control(ctx, usb.SetupPacket{Request: usb.RequestSetConfiguration, Value: 1}.Bytes(), nil)
	require.NoError(t, err)
	assert.True(t, f.dev.Configured())
}

func TestBulkPingOverUSBIP(t *testing.T) {
	f := newFixture(t)
	c := f.attach(t)
	ctx := testCtx(t)

	_, err := c.Control(ctx, usb.SetupPacket{Request: usb.RequestSetConfiguration, Value: 1}.Bytes(), nil)
	require.NoError(t, err)

	// posted before the command, completed once the reply exists
	type reply struct {
		data []byte
		err  error
	}
	pending := make(chan reply, 1)
	go func() {
		data, err := c.Submit(ctx, usbip.DirIn, usbdev.EPIn, 1024, [8]byte{}, nil)
		pending <- reply{data, err}
	}()
	time.Sleep(20 * time.Millisecond)

	req, _ := command.New(command.CmdPing, [3]uint64{0xAA, 0xBB, 0xCC}, nil).MarshalBinary()
	_, err = c.Submit(ctx, usbip.DirOut, usbdev.EPOut, uint32(len(req)), [8]byte{}, req)
	require.NoError(t, err)

	r := <-pending
	require.NoError(t, r.err)
	require.Len(t, r.data, command.FrameSize)
	var resp command.Frame
	require.NoError(t, resp.UnmarshalBinary(r.data))
	assert.Equal(t, command.CmdAck, resp.Cmd)
	assert.Equal(t, [3]uint64{0xAA, 0xBB, 0xCC}, resp.Args)
}

func TestUnlinkPendingIn(t *testing.T) {
	f := newFixture(t)
	c := f.attach(t)

	_, err := c.Control(testCtx(t), usb.SetupPacket{Request: usb.RequestSetConfiguration, Value: 1}.Bytes(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Submit(ctx, usbip.DirIn, usbdev.EPIn, 64, [8]byte{}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the session survives the unlink
	in, err := c.Control(testCtx(t), usb.SetupPacket{
		RequestType: usb.TypeStandardFromDevice,
		Request:     usb.RequestGetConfiguration,
		Length:      1,
	}.Bytes(), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, in)
}

func TestRemoveDeviceEndsSession(t *testing.T) {
	f := newFixture(t)
	c := f.attach(t)

	require.NoError(t, f.bus.Remove(f.dev))
	assert.Eventually(t, func() bool {
		_, err := c.Control(testCtx(t), usb.SetupPacket{Request: usb.RequestSetConfiguration, Value: 1}.Bytes(), nil)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	devs, err := usbip.ListDevices(testCtx(t), &net.Dialer{}, f.addr)
	require.NoError(t, err)
	assert.Empty(t, devs)
}

func TestBusRegistry(t *testing.T) {
	srv := srvusb.New(srvusb.ServerConfig{Addr: "127.0.0.1:0"}, nil, nil)
	require.NoError(t, srv.AddBus(virtualbus.New(1)))
	assert.Error(t, srv.AddBus(virtualbus.New(1)))
	assert.Error(t, srv.AddBus(nil))
	require.NoError(t, srv.AddBus(virtualbus.New(2)))
	assert.ElementsMatch(t, []uint32{1, 2}, srv.ListBuses())
	assert.NotNil(t, srv.GetBus(2))

	require.NoError(t, srv.RemoveBus(2))
	assert.Nil(t, srv.GetBus(2))
	assert.Error(t, srv.RemoveBus(2))
	assert.Zero(t, srv.GetListenPort())
}
