package bridge

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/usbgpio/pkg/env"
	fx "github.com/robotalks/usbgpio/pkg/framework"
	"github.com/robotalks/usbgpio/pkg/usbgpio"
)

// Config provides options of the bridge daemon.
type Config struct {
	Device *env.Config

	// Name identifies the bridge in MQTT topics and Influx tags.
	Name string
	// Interval is the poll interval.
	Interval time.Duration
	// Analog lists channels sampled by each poll.
	Analog ChannelList

	// MQTTBrokerURL e.g. mqtt://host:port/topic-prefix, empty disables MQTT.
	MQTTBrokerURL string
	// HTTPAddr e.g. :8080, empty disables the HTTP API.
	HTTPAddr string

	// InfluxURL empty disables the Influx sink.
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

// ChannelList is a comma separated list of channels, it implements flag.Value.
type ChannelList []int

// String implements flag.Value.
func (l *ChannelList) String() string {
	strs := make([]string, len(*l))
	for n, ch := range *l {
		strs[n] = strconv.Itoa(ch)
	}
	return strings.Join(strs, ",")
}

// Set implements flag.Value.
func (l *ChannelList) Set(val string) error {
	var chs ChannelList
	for _, str := range strings.Split(val, ",") {
		if str = strings.TrimSpace(str); str == "" {
			continue
		}
		ch, err := strconv.Atoi(str)
		if err != nil {
			return fmt.Errorf("invalid channel %q", str)
		}
		if !usbgpio.HasADC(ch) {
			return fmt.Errorf("channel %d has no ADC", ch)
		}
		chs = append(chs, ch)
	}
	*l = chs
	return nil
}

var defaultConfig = Config{
	Device:        env.Default(),
	Interval:      200 * time.Millisecond,
	MQTTBrokerURL: "mqtt://localhost:1883/usbgpio/",
	HTTPAddr:      ":8080",
	InfluxBucket:  "usbgpio",
}

func init() {
	defaultConfig.Name = env.MachineName()
	if val := os.Getenv("USBGPIO_NAME"); val != "" {
		defaultConfig.Name = val
	}
	if val, ok := os.LookupEnv("USBGPIO_MQTT_URL"); ok {
		defaultConfig.MQTTBrokerURL = val
	}
	if val, ok := os.LookupEnv("USBGPIO_HTTP"); ok {
		defaultConfig.HTTPAddr = val
	}
	if val := os.Getenv("USBGPIO_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			defaultConfig.Interval = d
		} else {
			glog.Warningf("ignore USBGPIO_INTERVAL=%q: %v", val, err)
		}
	}
	if val := os.Getenv("USBGPIO_ANALOG"); val != "" {
		if err := defaultConfig.Analog.Set(val); err != nil {
			glog.Warningf("ignore USBGPIO_ANALOG=%q: %v", val, err)
		}
	}
	defaultConfig.InfluxURL = os.Getenv("USBGPIO_INFLUX_URL")
	defaultConfig.InfluxToken = os.Getenv("USBGPIO_INFLUX_TOKEN")
	defaultConfig.InfluxOrg = os.Getenv("USBGPIO_INFLUX_ORG")
	if val := os.Getenv("USBGPIO_INFLUX_BUCKET"); val != "" {
		defaultConfig.InfluxBucket = val
	}
}

// SetupFlags sets command line flags.
func SetupFlags() {
	env.SetupFlags()
	flag.StringVar(&defaultConfig.Name, "name", defaultConfig.Name, "Bridge name")
	flag.DurationVar(&defaultConfig.Interval, "interval", defaultConfig.Interval, "Poll interval")
	flag.Var(&defaultConfig.Analog, "analog", "Comma separated analog channels to sample")
	flag.StringVar(&defaultConfig.MQTTBrokerURL, "mqtt", defaultConfig.MQTTBrokerURL, "MQTT broker URL, empty to disable")
	flag.StringVar(&defaultConfig.HTTPAddr, "http", defaultConfig.HTTPAddr, "HTTP listen address, empty to disable")
	flag.StringVar(&defaultConfig.InfluxURL, "influx", defaultConfig.InfluxURL, "InfluxDB URL, empty to disable")
	flag.StringVar(&defaultConfig.InfluxOrg, "influx-org", defaultConfig.InfluxOrg, "InfluxDB organization")
	flag.StringVar(&defaultConfig.InfluxBucket, "influx-bucket", defaultConfig.InfluxBucket, "InfluxDB bucket")
}

// Default gets default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a Config with default configurations.
func NewConfig() *Config {
	conf := defaultConfig
	dev := *conf.Device
	conf.Device = &dev
	conf.Analog = append(ChannelList(nil), conf.Analog...)
	return &conf
}

// Env is the assembled bridge daemon.
type Env struct {
	Config *Config
	Loop   *fx.Loop
	Bridge *Bridge
	MQTT   *MQTTLink
	Server *Server
	Influx *InfluxSink
}

// NewEnv wires the bridge with the enabled front ends.
func (c *Config) NewEnv() (*Env, error) {
	if c.Device.Port == "" {
		return nil, fmt.Errorf("port must be specified")
	}
	e := &Env{
		Config: c,
		Loop:   &fx.Loop{Interval: c.Interval},
		Bridge: New(c.Device.OpenDevice, c.Analog),
	}
	if c.MQTTBrokerURL != "" {
		link, err := NewMQTTLink(c.MQTTBrokerURL, c.Name, c.Device.Port, e.Bridge)
		if err != nil {
			return nil, fmt.Errorf("create MQTT link error: %v", err)
		}
		e.MQTT = link
		e.Bridge.AddPublisher(link)
		e.Loop.AddRunnable(fx.NamedRun("mqtt", link))
	}
	if c.HTTPAddr != "" {
		hub := NewHub(e.Bridge)
		e.Server = NewServer(c.HTTPAddr, e.Bridge, hub)
		e.Bridge.AddPublisher(hub)
		e.Loop.AddRunnable(fx.NamedRun("http", e.Server))
	}
	if c.InfluxURL != "" {
		e.Influx = NewInfluxSink(c.InfluxURL, c.InfluxToken, c.InfluxOrg, c.InfluxBucket, c.Name)
		e.Bridge.AddPublisher(e.Influx)
	}
	e.Loop.Add(e.Bridge)
	return e, nil
}

// MustNewEnv creates Env and fails on error.
func (c *Config) MustNewEnv() *Env {
	e, err := c.NewEnv()
	if err != nil {
		log.Fatalln(err)
	}
	return e
}

// Close releases the device and flushes the Influx sink, call it
// after the loop stopped.
func (e *Env) Close() error {
	var errs fx.AggregatedError
	errs.Add(e.Bridge.Close())
	if e.Influx != nil {
		errs.Add(e.Influx.Close())
	}
	return errs.Aggregate()
}
