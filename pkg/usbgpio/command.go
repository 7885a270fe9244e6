package usbgpio

import (
	"fmt"
	"strconv"
)

// Terminator is appended to every command written to the module.
const Terminator = '\r'

// IDLength is the fixed width of the module identity.
const IDLength = 8

// Command is the text of a request and whether it yields a payload.
type Command struct {
	Text  string
	Query bool
}

// Bytes returns encoded bytes for sending.
func (c Command) Bytes() []byte {
	b := make([]byte, 0, len(c.Text)+1)
	b = append(b, c.Text...)
	return append(b, Terminator)
}

// String implements fmt.Stringer.
func (c Command) String() string {
	return c.Text
}

func hex2(v int) string {
	return fmt.Sprintf("%02x", v&0xff)
}

// ReadAllCmd reads all digital pins.
func ReadAllCmd() Command {
	return Command{Text: "gpio readall", Query: true}
}

// WriteAllCmd writes all digital pins gated by the mask.
func WriteAllCmd(value int) Command {
	return Command{Text: "gpio writeall " + hex2(value)}
}

// ReadCmd reads one digital pin.
func ReadCmd(ch int) Command {
	return Command{Text: "gpio read " + strconv.Itoa(ch), Query: true}
}

// SetCmd drives one digital pin high.
func SetCmd(ch int) Command {
	return Command{Text: "gpio set " + strconv.Itoa(ch)}
}

// ClearCmd drives one digital pin low.
func ClearCmd(ch int) Command {
	return Command{Text: "gpio clear " + strconv.Itoa(ch)}
}

// ADCReadCmd reads one analog pin.
func ADCReadCmd(ch int) Command {
	return Command{Text: "adc read " + strconv.Itoa(ch), Query: true}
}

// IOMaskCmd sets the persistent writeall/iodir mask.
func IOMaskCmd(value int) Command {
	return Command{Text: "gpio iomask " + hex2(value)}
}

// IODirCmd sets the direction of all pins gated by the mask.
func IODirCmd(value int) Command {
	return Command{Text: "gpio iodir " + hex2(value)}
}

// IDGetCmd reads the module identity.
func IDGetCmd() Command {
	return Command{Text: "id get", Query: true}
}

// IDSetCmd stores a new identity, see FormatID.
func IDSetCmd(id string) Command {
	return Command{Text: "id set " + FormatID(id)}
}

// IDSetNumberCmd stores n as identity, see FormatIDNumber.
func IDSetNumberCmd(n int) Command {
	return Command{Text: "id set " + FormatIDNumber(n)}
}

// VersionCmd reads the firmware version.
func VersionCmd() Command {
	return Command{Text: "ver", Query: true}
}

// FormatID truncates id to IDLength characters and right-justifies it
// in an IDLength wide field.
func FormatID(id string) string {
	if chars := []rune(id); len(chars) > IDLength {
		id = string(chars[:IDLength])
	}
	return fmt.Sprintf("%*s", IDLength, id)
}

// FormatIDNumber renders n as a zero-padded decimal of IDLength digits
// before applying FormatID.
func FormatIDNumber(n int) string {
	return FormatID(fmt.Sprintf("%0*d", IDLength, n))
}
