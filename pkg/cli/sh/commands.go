package sh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/robotalks/usbgpio/pkg/usbgpio"
)

// OK is the result of commands without a value.
const OK = "OK"

// Handler runs a device command with its arguments.
type Handler func(ctx context.Context, dev *usbgpio.Device, args []string) (interface{}, error)

// DeviceCmd is a shell command operating on the open device.
type DeviceCmd struct {
	Name    string
	Aliases []string
	Help    string
	NArgs   int
	// OptArgs is the number of optional arguments after NArgs.
	OptArgs int
	Handler Handler
}

// UsageError indicates wrong arguments.
type UsageError struct {
	Cmd *DeviceCmd
}

// Error implements error.
func (e *UsageError) Error() string {
	return fmt.Sprintf("usage: %s %s", e.Cmd.Name, e.Cmd.Help)
}

// ParseNumber parses a decimal or 0x prefixed hex number.
func ParseNumber(s string) (int, error) {
	v, err := strconv.ParseInt(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return int(v), nil
}

func parseNumbers(args []string) ([]int, error) {
	nums := make([]int, len(args))
	for n, arg := range args {
		v, err := ParseNumber(arg)
		if err != nil {
			return nil, err
		}
		nums[n] = v
	}
	return nums, nil
}

// parseIDNumber accepts decimal digits or 0x prefixed hex, which are
// stored zero-padded.
func parseIDNumber(s string) (int, bool) {
	var v int64
	var err error
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = strconv.ParseInt(s[2:], 16, 64)
	} else {
		v, err = strconv.ParseInt(s, 10, 64)
	}
	return int(v), err == nil && v >= 0
}

func numeric(fn func(ctx context.Context, dev *usbgpio.Device, nums []int) (interface{}, error)) Handler {
	return func(ctx context.Context, dev *usbgpio.Device, args []string) (interface{}, error) {
		nums, err := parseNumbers(args)
		if err != nil {
			return nil, err
		}
		return fn(ctx, dev, nums)
	}
}

func ok(err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	return OK, nil
}

// DeviceCmds lists the device commands.
var DeviceCmds = []*DeviceCmd{
	{
		Name: "readall", Aliases: []string{"ra"},
		Handler: numeric(func(ctx context.Context, dev *usbgpio.Device, _ []int) (interface{}, error) {
			v, err := dev.ReadAll(ctx)
			return int(v), err
		}),
	},
	{
		Name: "writeall", Aliases: []string{"wa"}, Help: "VALUE", NArgs: 1,
		Handler: numeric(func(ctx context.Context, dev *usbgpio.Device, nums []int) (interface{}, error) {
			return ok(dev.WriteAll(ctx, nums[0]))
		}),
	},
	{
		Name: "read", Aliases: []string{"r"}, Help: "CHANNEL", NArgs: 1,
		Handler: numeric(func(ctx context.Context, dev *usbgpio.Device, nums []int) (interface{}, error) {
			return dev.Read(ctx, nums[0])
		}),
	},
	{
		Name: "write", Aliases: []string{"w"}, Help: "CHANNEL VALUE", NArgs: 2,
		Handler: numeric(func(ctx context.Context, dev *usbgpio.Device, nums []int) (interface{}, error) {
			return ok(dev.Write(ctx, nums[0], nums[1]))
		}),
	},
	{
		Name: "adc", Aliases: []string{"a"}, Help: "CHANNEL", NArgs: 1,
		Handler: numeric(func(ctx context.Context, dev *usbgpio.Device, nums []int) (interface{}, error) {
			return dev.ReadAnalog(ctx, nums[0])
		}),
	},
	{
		Name: "mask", Help: "VALUE", NArgs: 1,
		Handler: numeric(func(ctx context.Context, dev *usbgpio.Device, nums []int) (interface{}, error) {
			return ok(dev.SetMask(ctx, nums[0]))
		}),
	},
	{
		Name: "iodir", Help: "VALUE", NArgs: 1,
		Handler: numeric(func(ctx context.Context, dev *usbgpio.Device, nums []int) (interface{}, error) {
			return ok(dev.SetDirection(ctx, nums[0]))
		}),
	},
	{
		Name: "id", Help: "[VALUE]", OptArgs: 1,
		Handler: func(ctx context.Context, dev *usbgpio.Device, args []string) (interface{}, error) {
			if len(args) == 0 {
				return dev.ID(ctx)
			}
			if n, isNum := parseIDNumber(args[0]); isNum {
				return ok(dev.SetIDNumber(ctx, n))
			}
			return ok(dev.SetID(ctx, args[0]))
		},
	},
	{
		Name: "ver", Aliases: []string{"version"},
		Handler: func(ctx context.Context, dev *usbgpio.Device, _ []string) (interface{}, error) {
			return dev.Version(ctx)
		},
	},
	{
		Name: "info",
		Handler: func(ctx context.Context, dev *usbgpio.Device, _ []string) (interface{}, error) {
			return dev.Info(ctx)
		},
	},
}

// FindCmd finds a device command by name or alias.
func FindCmd(name string) *DeviceCmd {
	for _, cmd := range DeviceCmds {
		if cmd.Name == name {
			return cmd
		}
		for _, alias := range cmd.Aliases {
			if alias == name {
				return cmd
			}
		}
	}
	return nil
}

// Exec validates the arguments and runs cmd.
func (cmd *DeviceCmd) Exec(ctx context.Context, dev *usbgpio.Device, args []string) (interface{}, error) {
	if len(args) < cmd.NArgs || len(args) > cmd.NArgs+cmd.OptArgs {
		return nil, &UsageError{Cmd: cmd}
	}
	return cmd.Handler(ctx, dev, args)
}

// FormatResult prints a command result, as JSON if asJSON.
func FormatResult(w io.Writer, result interface{}, asJSON bool) error {
	if asJSON {
		if info, ok := result.(usbgpio.Info); ok {
			result = map[string]interface{}{
				"version":  info.Version,
				"id":       info.ID,
				"register": info.Register,
			}
		}
		return json.NewEncoder(w).Encode(result)
	}
	_, err := fmt.Fprintln(w, result)
	return err
}

// Modes of the one-shot command line.
const (
	ModeADC   = "adc"
	ModeDigit = "digit"
)

// OneShot runs "MODE CHANNEL [VALUE]": without VALUE the channel is read
// and the value printed, with VALUE it's written.
func OneShot(ctx context.Context, dev *usbgpio.Device, args []string, w io.Writer) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: PORT %s|%s CHANNEL [VALUE]", ModeADC, ModeDigit)
	}
	var cmd *DeviceCmd
	switch mode := args[0]; {
	case mode == ModeADC && len(args) == 2:
		cmd = FindCmd("adc")
	case mode == ModeADC:
		return fmt.Errorf("%s channels can't be written", ModeADC)
	case mode == ModeDigit && len(args) == 2:
		cmd = FindCmd("read")
	case mode == ModeDigit:
		cmd = FindCmd("write")
	default:
		return fmt.Errorf("unknown mode %q, expect %s or %s", mode, ModeADC, ModeDigit)
	}
	result, err := cmd.Exec(ctx, dev, args[1:])
	if err != nil {
		return err
	}
	if result == OK {
		return nil
	}
	return FormatResult(w, result, false)
}
