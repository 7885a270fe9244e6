// Package bridge runs the module behind a control loop and exposes it
// over MQTT, HTTP/websocket and InfluxDB.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	fx "github.com/robotalks/usbgpio/pkg/framework"
	"github.com/robotalks/usbgpio/pkg/msgs"
	"github.com/robotalks/usbgpio/pkg/usbgpio"
)

// ErrNotRunning is returned by Submit before the bridge is added to a loop.
var ErrNotRunning = errors.New("bridge not running")

// ErrNoDevice is returned while the module can't be opened.
var ErrNoDevice = errors.New("device unavailable")

// Timeout bounds a single HTTP or MQTT request waiting in Submit.
const Timeout = 5 * time.Second

// Opener opens the module, called again after the session breaks.
type Opener func() (*usbgpio.Device, error)

// Publisher receives snapshots which differ from the previous one.
type Publisher interface {
	Publish(ctx context.Context, s *Snapshot) error
}

// PublishFunc is the func form of Publisher.
type PublishFunc func(context.Context, *Snapshot) error

// Publish implements Publisher.
func (f PublishFunc) Publish(ctx context.Context, s *Snapshot) error {
	return f(ctx, s)
}

type request struct {
	ctx     context.Context
	cmd     *msgs.Command
	replyCh chan result
}

type result struct {
	reply *msgs.Reply
	err   error
}

// Bridge owns the Device. All device access happens in loop iterations:
// queued requests first, then a poll producing a Snapshot.
type Bridge struct {
	Open Opener
	// Analog lists the channels sampled by each poll.
	Analog []int

	publishers []Publisher
	onOpen     []func(usbgpio.Info)
	loop       fx.LoopControl
	dev        *usbgpio.Device
	pending    *Snapshot
	info       usbgpio.Info

	lock sync.RWMutex
	last *Snapshot
}

// New creates a Bridge.
func New(open Opener, analog []int) *Bridge {
	return &Bridge{Open: open, Analog: analog}
}

// AddPublisher registers publishers, it must be called before the loop runs.
func (b *Bridge) AddPublisher(pubs ...Publisher) *Bridge {
	b.publishers = append(b.publishers, pubs...)
	return b
}

// OnOpen registers fn to run in the loop each time the module is opened.
func (b *Bridge) OnOpen(fn func(usbgpio.Info)) *Bridge {
	b.onOpen = append(b.onOpen, fn)
	return b
}

// AddToLoop implements LoopAdder.
func (b *Bridge) AddToLoop(loop *fx.Loop) {
	b.loop = loop
	loop.AddController(fx.PrLvControl, fx.ControlFunc(b.processRequests))
	loop.AddController(fx.PrLvSense, fx.ControlFunc(b.poll))
	loop.AddController(fx.PrLvPublish, fx.ControlFunc(b.publish))
}

// Close closes the device. It must be called after the loop stopped.
func (b *Bridge) Close() error {
	if b.dev == nil {
		return nil
	}
	err := b.dev.Close()
	b.dev = nil
	return err
}

// Last returns the most recent snapshot, nil before the first poll.
func (b *Bridge) Last() *Snapshot {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.last
}

// Info returns the module info read when the device was opened.
func (b *Bridge) Info() usbgpio.Info {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.info
}

// Submit queues cmd to the loop and waits for the result.
func (b *Bridge) Submit(ctx context.Context, cmd *msgs.Command) (*msgs.Reply, error) {
	if b.loop == nil {
		return nil, ErrNotRunning
	}
	req := &request{ctx: ctx, cmd: cmd, replyCh: make(chan result, 1)}
	b.loop.PostMessage(req)
	b.loop.TriggerNext()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-req.replyCh:
		return res.reply, res.err
	}
}

func (b *Bridge) device(ctx context.Context) (*usbgpio.Device, error) {
	if b.dev != nil {
		return b.dev, nil
	}
	dev, err := b.Open()
	if err != nil {
		return nil, err
	}
	info, err := dev.Info(ctx)
	if err != nil {
		dev.Close()
		return nil, err
	}
	glog.Infof("device opened %s", info)
	b.lock.Lock()
	b.info = info
	b.lock.Unlock()
	b.dev = dev
	for _, fn := range b.onOpen {
		fn(info)
	}
	return dev, nil
}

func (b *Bridge) closeDevice() {
	if b.dev == nil {
		return
	}
	if err := b.dev.Close(); err != nil {
		glog.Warningf("close device: %v", err)
	}
	b.dev = nil
}

// checkCommand rejects digital writes to channels sampled by poll.
func (b *Bridge) checkCommand(cmd *msgs.Command) error {
	if cmd.Op != msgs.OpWrite {
		return nil
	}
	for _, ch := range b.Analog {
		if int(cmd.Channel) == ch {
			return &usbgpio.ChannelError{Op: "write (sampled as analog)", Channel: ch}
		}
	}
	return nil
}

// checkErr drops the device after a failure which broke the session,
// it's reopened in a later iteration.
func (b *Bridge) checkErr(err error) {
	var opErr *ErrUnknownOp
	if errors.As(err, &opErr) {
		return
	}
	if usbgpio.IsFatal(err) {
		glog.Warningf("device failure, reopening: %v", err)
		b.closeDevice()
	}
}

func (b *Bridge) processRequests(cc fx.ControlContext) error {
	ctx := cc.Context()
	cc.ProcessMessages(func(msg fx.Message) bool {
		req, ok := msg.(*request)
		if !ok {
			return false
		}
		// the caller stopped waiting
		if err := req.ctx.Err(); err != nil {
			req.replyCh <- result{err: err}
			return true
		}
		if err := b.checkCommand(req.cmd); err != nil {
			req.replyCh <- result{err: err}
			return true
		}
		dev, err := b.device(ctx)
		if err != nil {
			glog.Warningf("open device: %v", err)
			req.replyCh <- result{err: fmt.Errorf("%w: %v", ErrNoDevice, err)}
			return true
		}
		reply, err := Apply(ctx, dev, req.cmd)
		b.checkErr(err)
		req.replyCh <- result{reply: reply, err: err}
		return true
	})
	return nil
}

func (b *Bridge) poll(cc fx.ControlContext) error {
	ctx := cc.Context()
	dev, err := b.device(ctx)
	if err != nil {
		return err
	}
	s := &Snapshot{Time: cc.Time()}
	if s.Register, err = dev.ReadAll(ctx); err != nil {
		b.checkErr(err)
		return err
	}
	for _, ch := range b.Analog {
		val, err := dev.ReadAnalog(ctx, ch)
		if err != nil {
			b.checkErr(err)
			return err
		}
		if s.Analog == nil {
			s.Analog = make(map[int]int)
		}
		s.Analog[ch] = val
	}
	b.lock.Lock()
	if !s.SameState(b.last) {
		b.pending = s
	}
	b.last = s
	b.lock.Unlock()
	return nil
}

func (b *Bridge) publish(cc fx.ControlContext) error {
	s := b.pending
	if s == nil {
		return nil
	}
	b.pending = nil
	var errs fx.AggregatedError
	for _, pub := range b.publishers {
		errs.Add(pub.Publish(cc.Context(), s))
	}
	return errs.Aggregate()
}
