package bridge

import (
	"context"
	"fmt"

	"github.com/robotalks/usbgpio/pkg/msgs"
	"github.com/robotalks/usbgpio/pkg/usbgpio"
)

// ErrUnknownOp is reported for a Command with an unsupported Op.
type ErrUnknownOp struct {
	Op string
}

// Error implements error.
func (e *ErrUnknownOp) Error() string {
	return fmt.Sprintf("unknown op %q", e.Op)
}

// Apply executes cmd on dev. The returned Reply carries the result
// except errors, which are returned separately.
func Apply(ctx context.Context, dev *usbgpio.Device, cmd *msgs.Command) (*msgs.Reply, error) {
	reply := &msgs.Reply{Sequence: cmd.Sequence}
	ch, val := int(cmd.Channel), int(cmd.Value)
	var err error
	switch cmd.Op {
	case msgs.OpReadAll:
		var reg uint8
		reg, err = dev.ReadAll(ctx)
		reply.Value = int32(reg)
	case msgs.OpWriteAll:
		err = dev.WriteAll(ctx, val)
	case msgs.OpRead:
		val, err = dev.Read(ctx, ch)
		reply.Value = int32(val)
	case msgs.OpWrite:
		err = dev.Write(ctx, ch, val)
	case msgs.OpADC:
		val, err = dev.ReadAnalog(ctx, ch)
		reply.Value = int32(val)
	case msgs.OpMask:
		err = dev.SetMask(ctx, val)
	case msgs.OpIODir:
		err = dev.SetDirection(ctx, val)
	case msgs.OpID:
		reply.Text, err = dev.ID(ctx)
	case msgs.OpSetID:
		err = dev.SetID(ctx, cmd.Text)
	case msgs.OpVersion:
		reply.Text, err = dev.Version(ctx)
	case msgs.OpInfo:
		var info usbgpio.Info
		info, err = dev.Info(ctx)
		reply.Text, reply.Value = info.String(), int32(info.Register)
	default:
		err = &ErrUnknownOp{Op: cmd.Op}
	}
	if err != nil {
		return nil, err
	}
	return reply, nil
}
