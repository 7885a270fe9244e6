package env

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/robotalks/usbgpio/pkg/usbgpio"
	"github.com/robotalks/usbgpio/pkg/usbgpio/serial"
	"github.com/robotalks/usbgpio/pkg/usbgpio/sim"
)

// SimPort is the port name which opens the in-memory module.
const SimPort = "sim"

// Config provides common options to open a module.
type Config struct {
	// Port is the serial port, e.g. /dev/ttyACM0, COM4, or SimPort.
	Port   string
	Timing usbgpio.Timing
}

var defaultConfig = Config{
	Timing: usbgpio.Timing{
		PollInterval: usbgpio.DefaultTiming.PollInterval,
		Quiet:        usbgpio.DefaultTiming.Quiet,
		Timeout:      2 * time.Second,
	},
}

func init() {
	if val := os.Getenv("USBGPIO_PORT"); val != "" {
		defaultConfig.Port = val
	}
	durationFromEnv("USBGPIO_POLL", &defaultConfig.Timing.PollInterval)
	durationFromEnv("USBGPIO_QUIET", &defaultConfig.Timing.Quiet)
	durationFromEnv("USBGPIO_TIMEOUT", &defaultConfig.Timing.Timeout)
}

func durationFromEnv(name string, d *time.Duration) {
	val := os.Getenv(name)
	if val == "" {
		return
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		glog.Warningf("ignore %s=%q: %v", name, val, err)
		return
	}
	*d = parsed
}

// SetupFlags sets up command line flags.
func SetupFlags() {
	flag.StringVar(&defaultConfig.Port, "port", defaultConfig.Port, "Serial port of the module, \"sim\" for the simulator.")
	flag.DurationVar(&defaultConfig.Timing.PollInterval, "poll", defaultConfig.Timing.PollInterval, "Wait between polls of the port.")
	flag.DurationVar(&defaultConfig.Timing.Quiet, "quiet", defaultConfig.Timing.Quiet, "Silence which ends a response.")
	flag.DurationVar(&defaultConfig.Timing.Timeout, "timeout", defaultConfig.Timing.Timeout, "Response timeout, 0 to wait forever.")
}

// Default gets the default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a Config with default configurations.
func NewConfig() *Config {
	conf := defaultConfig
	return &conf
}

// WithPort returns a copy of the config with port replaced.
func (c *Config) WithPort(port string) *Config {
	conf := *c
	conf.Port = port
	return &conf
}

// OpenTransport opens the byte stream of the configured port.
func (c *Config) OpenTransport() (usbgpio.Transport, error) {
	switch c.Port {
	case "":
		return nil, errors.New("port must be specified")
	case SimPort:
		glog.Info("using simulated module")
		return sim.New(), nil
	default:
		return serial.Open(c.Port)
	}
}

// OpenDevice opens the configured port as a Device.
func (c *Config) OpenDevice() (*usbgpio.Device, error) {
	t, err := c.OpenTransport()
	if err != nil {
		return nil, err
	}
	return usbgpio.New(t, c.Timing), nil
}

// MustOpenDevice opens the device and fails on error.
func (c *Config) MustOpenDevice() *usbgpio.Device {
	dev, err := c.OpenDevice()
	if err != nil {
		log.Fatalln(err)
	}
	return dev
}
