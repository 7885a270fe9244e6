package usbgpio

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/golang/glog"
)

// Transport is the byte stream to the module.
// Read must not block when nothing is pending.
type Transport interface {
	io.ReadWriteCloser
}

// Info summarizes a module.
type Info struct {
	Version  string
	ID       string
	Register uint8
}

// String implements fmt.Stringer.
func (i Info) String() string {
	return fmt.Sprintf("<gpio version: %s; id: %s; int: %d>", i.Version, i.ID, i.Register)
}

// Device is the operation set of the module over a Transport.
// Requests are strictly sequential, concurrent callers are serialized.
// After a framing, decode, timeout or transport failure the Device is
// desynchronized and must be closed and reopened.
type Device struct {
	transport Transport
	lines     *LineReader

	lock   sync.Mutex
	desync error

	closeLock sync.Mutex
	closed    bool

	analogIn   AnalogInputs
	digitalIn  DigitalInputs
	digitalOut DigitalOutputs
}

// New creates a Device which takes ownership of t.
func New(t Transport, timing Timing) *Device {
	d := &Device{
		transport: t,
		lines:     NewLineReader(t, timing),
	}
	d.analogIn = analogInputs{d}
	d.digitalIn = digitalInputs{d}
	d.digitalOut = digitalOutputs{d}
	return d
}

// Close releases the transport. Calling Close again is a no-op.
// It doesn't wait for the request in flight, which then fails with
// ErrClosed once the transport stops reading.
func (d *Device) Close() error {
	d.closeLock.Lock()
	defer d.closeLock.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.transport.Close()
}

func (d *Device) isClosed() bool {
	d.closeLock.Lock()
	defer d.closeLock.Unlock()
	return d.closed
}

// Use runs fn with d and closes d when fn returns or panics.
// A close failure is logged rather than returned so the caller sees
// the error of fn.
func Use(d *Device, fn func(*Device) error) error {
	defer func() {
		if err := d.Close(); err != nil {
			glog.Warningf("close device: %v", err)
		}
	}()
	return fn(d)
}

// Err returns the error which desynchronized the device, if any.
func (d *Device) Err() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.desync
}

// AnalogIn returns the analog input view.
func (d *Device) AnalogIn() AnalogInputs { return d.analogIn }

// DigitalIn returns the digital input view.
func (d *Device) DigitalIn() DigitalInputs { return d.digitalIn }

// DigitalOut returns the digital output view.
func (d *Device) DigitalOut() DigitalOutputs { return d.digitalOut }

// Do sends a command and returns the payload of a query,
// or nil for commands without payload.
func (d *Device) Do(ctx context.Context, cmd Command) (payload []byte, err error) {
	err = d.do(ctx, cmd, func(p []byte) error {
		payload = p
		return nil
	})
	return
}

func (d *Device) do(ctx context.Context, cmd Command, decode func([]byte) error) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.isClosed() {
		return ErrClosed
	}
	if d.desync != nil {
		return ErrDesynchronized
	}
	payload, err := d.roundTrip(ctx, cmd)
	if err == nil && decode != nil {
		err = decode(payload)
	}
	if err != nil && d.isClosed() {
		return ErrClosed
	}
	if err != nil {
		d.desync = err
		glog.Warningf("%q failed, device desynchronized: %v", cmd.Text, err)
	}
	return err
}

func (d *Device) roundTrip(ctx context.Context, cmd Command) ([]byte, error) {
	glog.V(2).Infof("tx %q", cmd.Text)
	if err := writeAll(d.transport, cmd.Bytes()); err != nil {
		return nil, err
	}
	if !cmd.Query {
		lines, err := d.lines.DrainLines(ctx)
		if err != nil {
			return nil, err
		}
		return nil, CheckAck(lines)
	}
	lines, err := d.lines.ReadLines(ctx)
	if err != nil {
		return nil, err
	}
	return Payload(lines)
}

func writeAll(w io.Writer, data []byte) error {
	for written := 0; written < len(data); {
		n, err := w.Write(data[written:])
		written += n
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

func (d *Device) decode(ctx context.Context, cmd Command, kind string, parse func(string) (int, error)) (val int, err error) {
	err = d.do(ctx, cmd, func(payload []byte) (err error) {
		if val, err = parse(string(payload)); err != nil {
			return &DecodeError{Kind: kind, Payload: payload, Err: err}
		}
		return nil
	})
	return
}

func parseHex8(s string) (int, error) {
	v, err := strconv.ParseUint(s, 16, 8)
	return int(v), err
}

func parseDec(s string) (int, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	return int(v), err
}

func checkChannel(op string, ch int) error {
	if !ValidChannel(ch) {
		return &ChannelError{Op: op, Channel: ch}
	}
	return nil
}

// ReadAll reads the state of all pins, bit i is channel i.
func (d *Device) ReadAll(ctx context.Context) (uint8, error) {
	v, err := d.decode(ctx, ReadAllCmd(), "hex", parseHex8)
	return uint8(v), err
}

// WriteAll writes value&0xff to all pins included by the mask.
func (d *Device) WriteAll(ctx context.Context, value int) error {
	_, err := d.Do(ctx, WriteAllCmd(value&0xff))
	return err
}

// Read reads one digital pin, switching it to input.
func (d *Device) Read(ctx context.Context, ch int) (int, error) {
	if err := checkChannel("read", ch); err != nil {
		return 0, err
	}
	return d.decode(ctx, ReadCmd(ch), "decimal", parseDec)
}

// Write drives one digital pin with the lowest bit of value,
// switching it to output.
func (d *Device) Write(ctx context.Context, ch int, value int) error {
	if err := checkChannel("write", ch); err != nil {
		return err
	}
	cmd := ClearCmd(ch)
	if value&1 != 0 {
		cmd = SetCmd(ch)
	}
	_, err := d.Do(ctx, cmd)
	return err
}

// ReadAnalog reads the ADC value of pin ch, switching it to input.
// The value is passed through as reported, typically 0-1023.
func (d *Device) ReadAnalog(ctx context.Context, ch int) (int, error) {
	if !HasADC(ch) {
		return 0, &ChannelError{Op: "adc read", Channel: ch}
	}
	return d.decode(ctx, ADCReadCmd(ch), "decimal", parseDec)
}

// SetMask sets the persistent mask for WriteAll and SetDirection.
// A set bit includes the pin.
func (d *Device) SetMask(ctx context.Context, value int) error {
	_, err := d.Do(ctx, IOMaskCmd(value&0xff))
	return err
}

// SetDirection sets pin directions gated by the mask, 0 for output,
// 1 for input. Later single pin operations override it.
func (d *Device) SetDirection(ctx context.Context, value int) error {
	_, err := d.Do(ctx, IODirCmd(value&0xff))
	return err
}

func (d *Device) text(ctx context.Context, cmd Command) (string, error) {
	payload, err := d.Do(ctx, cmd)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// ID reads the module identity.
func (d *Device) ID(ctx context.Context) (string, error) {
	return d.text(ctx, IDGetCmd())
}

// SetID stores an identity, truncated to IDLength characters.
func (d *Device) SetID(ctx context.Context, id string) error {
	_, err := d.Do(ctx, IDSetCmd(id))
	return err
}

// SetIDNumber stores n as a zero-padded decimal identity.
func (d *Device) SetIDNumber(ctx context.Context, n int) error {
	_, err := d.Do(ctx, IDSetNumberCmd(n))
	return err
}

// Version reads the firmware version.
func (d *Device) Version(ctx context.Context) (string, error) {
	return d.text(ctx, VersionCmd())
}

// Info reads version, identity and register.
func (d *Device) Info(ctx context.Context) (info Info, err error) {
	if info.Version, err = d.Version(ctx); err != nil {
		return
	}
	if info.ID, err = d.ID(ctx); err != nil {
		return
	}
	info.Register, err = d.ReadAll(ctx)
	return
}
