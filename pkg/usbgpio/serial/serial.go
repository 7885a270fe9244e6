// Package serial opens the module's USB serial port in the mode the
// line protocol expects: 19200 baud, 8N1 and reads that never block.
package serial

import (
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	goserial "go.bug.st/serial"
)

// BaudRate is the fixed rate of the module.
const BaudRate = 19200

// Port is an open serial port.
type Port struct {
	name   string
	port   goserial.Port
	lock   sync.Mutex
	closed bool
}

// Mode returns the line settings of the module.
func Mode() *goserial.Mode {
	return &goserial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   goserial.NoParity,
		StopBits: goserial.OneStopBit,
	}
}

// Open opens the named port, e.g. COM4, /dev/ttyACM0.
func Open(name string) (*Port, error) {
	p, err := goserial.Open(name, Mode())
	if err != nil {
		return nil, errors.Wrapf(err, "open serial port %s", name)
	}
	// zero read timeout: Read returns whatever is pending, possibly nothing.
	if err = p.SetReadTimeout(0); err != nil {
		p.Close()
		return nil, errors.Wrapf(err, "set non-blocking read on %s", name)
	}
	if err = p.ResetInputBuffer(); err != nil {
		glog.Warningf("reset input buffer of %s: %v", name, err)
	}
	glog.Infof("%s opened at %d baud", name, BaudRate)
	return &Port{name: name, port: p}, nil
}

// Name returns the port name.
func (p *Port) Name() string {
	return p.name
}

// Read implements io.Reader.
func (p *Port) Read(b []byte) (int, error) {
	return p.port.Read(b)
}

// Write implements io.Writer.
func (p *Port) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Close implements io.Closer. Only the first call closes the port.
func (p *Port) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.port.Close(); err != nil {
		return errors.Wrapf(err, "close serial port %s", p.name)
	}
	glog.Infof("%s closed", p.name)
	return nil
}

// Ports lists the serial ports found on the system.
func Ports() ([]string, error) {
	ports, err := goserial.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "list serial ports")
	}
	return ports, nil
}
