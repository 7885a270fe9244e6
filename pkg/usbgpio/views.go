package usbgpio

import "context"

// AnalogInputs reads pins as analog values by index.
type AnalogInputs interface {
	Get(ctx context.Context, index int) (int, error)
}

// DigitalInputs reads pins as digital values by index.
type DigitalInputs interface {
	Get(ctx context.Context, index int) (int, error)
}

// DigitalOutputs drives pins by index.
type DigitalOutputs interface {
	Set(ctx context.Context, index int, value int) error
}

type analogInputs struct{ d *Device }

func (v analogInputs) Get(ctx context.Context, index int) (int, error) {
	if err := checkChannel("analog input", index); err != nil {
		return 0, err
	}
	return v.d.ReadAnalog(ctx, index)
}

type digitalInputs struct{ d *Device }

func (v digitalInputs) Get(ctx context.Context, index int) (int, error) {
	if err := checkChannel("digital input", index); err != nil {
		return 0, err
	}
	return v.d.Read(ctx, index)
}

type digitalOutputs struct{ d *Device }

func (v digitalOutputs) Set(ctx context.Context, index int, value int) error {
	if err := checkChannel("digital output", index); err != nil {
		return err
	}
	return v.d.Write(ctx, index, value&1)
}
