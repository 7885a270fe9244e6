package sh

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/abiosoft/ishell"
	"github.com/golang/glog"

	"github.com/robotalks/usbgpio/pkg/env"
	"github.com/robotalks/usbgpio/pkg/usbgpio"
	"github.com/robotalks/usbgpio/pkg/usbgpio/serial"
)

// Shell provides ishell backed interactive shell.
type Shell struct {
	Interactive bool
	OutputJSON  bool

	Shell  *ishell.Shell
	Config *env.Config
	Device *usbgpio.Device
}

const (
	shellKey     = "$shell"
	closedPrompt = "[none] > "
)

var (
	// flags

	evalOnly   bool
	outputJSON bool

	// commands
	commands = []*ishell.Cmd{
		&PortsCmd,
		&OpenCmd,
		&CloseCmd,
	}
)

func init() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
	flag.BoolVar(&outputJSON, "json", outputJSON, "Print output in JSON.")
	for _, cmd := range DeviceCmds {
		commands = append(commands, cmd.ishellCmd())
	}
}

// New creates a new shell.
func New(conf *env.Config) *Shell {
	s := &Shell{
		Interactive: !evalOnly,
		OutputJSON:  outputJSON,

		Shell:  ishell.New(),
		Config: conf,
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt(closedPrompt)
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

func (cmd *DeviceCmd) ishellCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name:    cmd.Name,
		Aliases: cmd.Aliases,
		Help:    cmd.Help,
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			if s.Device == nil {
				c.Err(fmt.Errorf("no device open"))
				return
			}
			result, err := cmd.Exec(context.Background(), s.Device, c.Args)
			if err == nil {
				var out strings.Builder
				if err = FormatResult(&out, result, s.OutputJSON); err == nil {
					c.Print(out.String())
					return
				}
			}
			c.Err(err)
			if usbgpio.IsFatal(err) {
				c.Println("device desynchronized, use open to reconnect")
			}
		},
	}
}

// Open opens port, closing the current device.
func (s *Shell) Open(port string) error {
	dev, err := s.Config.WithPort(port).OpenDevice()
	if err != nil {
		return err
	}
	s.Close()
	s.Device = dev
	s.Config.Port = port
	s.Shell.SetPrompt(fmt.Sprintf("[%s] > ", port))
	return nil
}

// Close closes the current device.
func (s *Shell) Close() {
	if s.Device != nil {
		if err := s.Device.Close(); err != nil {
			glog.Warningf("close %s: %v", s.Config.Port, err)
		}
		s.Device = nil
		s.Shell.SetPrompt(closedPrompt)
	}
}

// Run runs the shell.
func (s *Shell) Run(args ...string) {
	defer s.Close()
	if s.Config.Port != "" {
		if err := s.Open(s.Config.Port); err != nil {
			log.Fatalf("open %q failed: %v", s.Config.Port, err)
		}
	}

	if len(args) > 0 {
		if err := s.Shell.Process(args...); err != nil {
			log.Fatalln(err)
		}
		return
	}
	if s.Interactive {
		s.Shell.Run()
		return
	}
	log.Fatalln("command expected")
}

var (
	// PortsCmd lists serial ports.
	PortsCmd = ishell.Cmd{
		Name:    "ports",
		Aliases: []string{"list", "l"},
		Help:    "",
		Func: func(c *ishell.Context) {
			ports, err := serial.Ports()
			if err != nil {
				c.Err(err)
				return
			}
			if ShellFrom(c).OutputJSON {
				if ports == nil {
					ports = []string{}
				}
				var out strings.Builder
				FormatResult(&out, ports, true)
				c.Print(out.String())
				return
			}
			if len(ports) == 0 {
				c.Println("No ports found")
				return
			}
			for _, port := range ports {
				c.Println(port)
			}
		},
	}

	// OpenCmd opens a port.
	OpenCmd = ishell.Cmd{
		Name:    "open",
		Aliases: []string{"o"},
		Help:    "PORT",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(fmt.Errorf("usage: open PORT"))
				return
			}
			if err := ShellFrom(c).Open(c.Args[0]); err != nil {
				c.Err(err)
			}
		},
	}

	// CloseCmd closes the current device.
	CloseCmd = ishell.Cmd{
		Name:    "close",
		Aliases: []string{"c"},
		Help:    "",
		Func: func(c *ishell.Context) {
			ShellFrom(c).Close()
		},
	}
)

func isCommand(name string) bool {
	if name == "help" || name == "exit" || name == "clear" {
		return true
	}
	for _, cmd := range commands {
		if cmd.Name == name {
			return true
		}
		for _, alias := range cmd.Aliases {
			if alias == name {
				return true
			}
		}
	}
	return false
}

// Main is a helper to provide a single call in main. Arguments of the
// form "PORT MODE CHANNEL [VALUE]" run one-shot, exiting non-zero on
// failure. Otherwise a port, if given, is opened and the remaining
// arguments run as a shell command.
func Main() {
	flag.Parse()
	conf := env.NewConfig()
	args := flag.Args()
	if len(args) >= 3 && (args[1] == ModeADC || args[1] == ModeDigit) {
		dev, err := conf.WithPort(args[0]).OpenDevice()
		if err != nil {
			log.Fatalln(err)
		}
		err = usbgpio.Use(dev, func(dev *usbgpio.Device) error {
			return OneShot(context.Background(), dev, args[1:], os.Stdout)
		})
		if err != nil {
			log.Fatalln(err)
		}
		return
	}
	if len(args) > 0 && !isCommand(args[0]) {
		conf.Port, args = args[0], args[1:]
	}
	New(conf).Run(args...)
}
