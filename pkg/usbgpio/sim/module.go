// Package sim emulates the 8 channel USB GPIO module as an in-memory
// byte stream, for tests and for running the tools without hardware.
package sim

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"
)

// Channels is the number of IO pins.
const Channels = 8

// DefaultVersion is reported by the ver command.
const DefaultVersion = "00000008"

// ErrClosed is returned by Read/Write after Close.
var ErrClosed = errors.New("sim: module closed")

// adcPins marks pins wired to an ADC input.
var adcPins = [Channels]bool{true, true, true, true, false, false, true, true}

// Module behaves like the device on the wire. Commands are executed when
// their CR arrives; output is echoed and answered with LF CR separated
// lines followed by the '>' prompt.
//
// Pin levels are modeled simply: a driven pin keeps its level when switched
// to input, an ADC conversion discharges it to the level of the analog input.
type Module struct {
	// Version is reported by ver.
	Version string
	// Chunk limits the bytes returned by one Read, 0 means no limit.
	Chunk int

	lock     sync.Mutex
	closed   bool
	in       []byte
	out      []byte
	level    uint8
	dir      uint8
	mask     uint8
	id       string
	adc      [Channels]int
	commands []string
}

// New creates a Module in power-on state.
func New() *Module {
	m := &Module{
		Version: DefaultVersion,
		mask:    0xff,
		id:      "00000000",
	}
	m.PowerCycle()
	return m
}

// PowerCycle resets volatile state. Mask and identity are kept.
func (m *Module) PowerCycle() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.dir = 0xff
	m.in, m.out = nil, nil
}

// Read implements io.Reader, it never blocks.
func (m *Module) Read(p []byte) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := len(m.out)
	if m.Chunk > 0 && n > m.Chunk {
		n = m.Chunk
	}
	n = copy(p, m.out[:n])
	m.out = m.out[n:]
	return n, nil
}

// Write implements io.Writer.
func (m *Module) Write(p []byte) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	for _, b := range p {
		m.out = append(m.out, b)
		if b != '\r' {
			m.in = append(m.in, b)
			continue
		}
		cmd := string(m.in)
		m.in = m.in[:0]
		m.commands = append(m.commands, cmd)
		m.out = append(m.out, '\n', '\r')
		if payload, ok := m.exec(cmd); ok {
			m.out = append(m.out, payload...)
			m.out = append(m.out, '\n', '\r')
		}
		m.out = append(m.out, '>')
	}
	return len(p), nil
}

// Close implements io.Closer.
func (m *Module) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.closed = true
	return nil
}

// Inject appends raw bytes to the output stream.
func (m *Module) Inject(b []byte) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.out = append(m.out, b...)
}

// Commands returns the commands received so far.
func (m *Module) Commands() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]string(nil), m.commands...)
}

// Direction returns the iodir register.
func (m *Module) Direction() uint8 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.dir
}

// Mask returns the iomask register.
func (m *Module) Mask() uint8 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.mask
}

// Levels returns the pin levels.
func (m *Module) Levels() uint8 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.level
}

// SetLevel drives an input pin from outside.
func (m *Module) SetLevel(ch int, high bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.setBit(&m.level, ch, high)
}

// SetADC sets the value an ADC conversion of pin ch returns.
func (m *Module) SetADC(ch, value int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.adc[ch] = value
}

func (m *Module) setBit(reg *uint8, ch int, on bool) {
	if on {
		*reg |= 1 << uint(ch)
	} else {
		*reg &^= 1 << uint(ch)
	}
}

func parsePin(s string) (int, bool) {
	ch, err := strconv.Atoi(s)
	return ch, err == nil && ch >= 0 && ch < Channels
}

func parseHex(s string) (uint8, bool) {
	v, err := strconv.ParseUint(s, 16, 8)
	return uint8(v), err == nil
}

func (m *Module) exec(cmd string) (string, bool) {
	if strings.HasPrefix(cmd, "id set ") {
		if id := cmd[len("id set "):]; utf8.RuneCountInString(id) == utf8.RuneCountInString(m.id) {
			m.id = id
		}
		return "", false
	}
	args := strings.Fields(cmd)
	if len(args) == 0 {
		return "", false
	}
	switch strings.Join(args[:min(2, len(args))], " ") {
	case "ver":
		return m.Version, true
	case "id get":
		return m.id, true
	case "gpio readall":
		return fmt.Sprintf("%02x", m.level), true
	}
	if len(args) != 3 {
		return "", false
	}
	switch args[0] + " " + args[1] {
	case "gpio writeall":
		if v, ok := parseHex(args[2]); ok {
			m.level = m.level&^m.mask | v&m.mask
			m.dir &^= m.mask
		}
	case "gpio iodir":
		if v, ok := parseHex(args[2]); ok {
			m.dir = m.dir&^m.mask | v&m.mask
		}
	case "gpio iomask":
		if v, ok := parseHex(args[2]); ok {
			m.mask = v
		}
	case "gpio set", "gpio clear":
		if ch, ok := parsePin(args[2]); ok {
			m.setBit(&m.dir, ch, false)
			m.setBit(&m.level, ch, args[1] == "set")
		}
	case "gpio read":
		if ch, ok := parsePin(args[2]); ok {
			m.setBit(&m.dir, ch, true)
			return strconv.Itoa(int(m.level>>uint(ch)) & 1), true
		}
	case "adc read":
		if ch, ok := parsePin(args[2]); ok && adcPins[ch] {
			m.setBit(&m.dir, ch, true)
			m.setBit(&m.level, ch, m.adc[ch] >= 512)
			return strconv.Itoa(m.adc[ch]), true
		}
	}
	return "", false
}
