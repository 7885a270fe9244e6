// Package msgs defines the protobuf messages exchanged by the bridge
// over MQTT.
package msgs

import (
	"github.com/golang/protobuf/proto"
)

// Operations carried in Command.Op.
const (
	OpReadAll  = "readall"
	OpWriteAll = "writeall"
	OpRead     = "read"
	OpWrite    = "write"
	OpADC      = "adc"
	OpMask     = "mask"
	OpIODir    = "iodir"
	OpID       = "id"
	OpSetID    = "setid"
	OpVersion  = "ver"
	OpInfo     = "info"
)

// Command requests one module operation.
type Command struct {
	Sequence uint64 `protobuf:"varint,1,opt,name=sequence,proto3" json:"sequence,omitempty"`
	Op       string `protobuf:"bytes,2,opt,name=op,proto3" json:"op,omitempty"`
	Channel  int32  `protobuf:"varint,3,opt,name=channel,proto3" json:"channel,omitempty"`
	Value    int32  `protobuf:"varint,4,opt,name=value,proto3" json:"value,omitempty"`
	Text     string `protobuf:"bytes,5,opt,name=text,proto3" json:"text,omitempty"`
}

func (m *Command) Reset()         { *m = Command{} }
func (m *Command) String() string { return proto.CompactTextString(m) }
func (*Command) ProtoMessage()    {}

// Reply answers the Command with the same Sequence.
type Reply struct {
	Sequence uint64 `protobuf:"varint,1,opt,name=sequence,proto3" json:"sequence,omitempty"`
	Value    int32  `protobuf:"varint,2,opt,name=value,proto3" json:"value,omitempty"`
	Text     string `protobuf:"bytes,3,opt,name=text,proto3" json:"text,omitempty"`
	Error    string `protobuf:"bytes,4,opt,name=error,proto3" json:"error,omitempty"`
}

func (m *Reply) Reset()         { *m = Reply{} }
func (m *Reply) String() string { return proto.CompactTextString(m) }
func (*Reply) ProtoMessage()    {}

// AnalogSample is one ADC reading.
type AnalogSample struct {
	Channel int32 `protobuf:"varint,1,opt,name=channel,proto3" json:"channel,omitempty"`
	Value   int32 `protobuf:"varint,2,opt,name=value,proto3" json:"value,omitempty"`
}

func (m *AnalogSample) Reset()         { *m = AnalogSample{} }
func (m *AnalogSample) String() string { return proto.CompactTextString(m) }
func (*AnalogSample) ProtoMessage()    {}

// State is the polled state of the module.
type State struct {
	TimestampMs int64           `protobuf:"varint,1,opt,name=timestamp_ms,json=timestampMs,proto3" json:"timestamp_ms,omitempty"`
	Register    uint32          `protobuf:"varint,2,opt,name=register,proto3" json:"register,omitempty"`
	Analog      []*AnalogSample `protobuf:"bytes,3,rep,name=analog,proto3" json:"analog,omitempty"`
}

func (m *State) Reset()         { *m = State{} }
func (m *State) String() string { return proto.CompactTextString(m) }
func (*State) ProtoMessage()    {}

// Encode serializes a message.
func Encode(msg proto.Message) ([]byte, error) {
	return proto.Marshal(msg)
}

// DecodeCommand parses a Command.
func DecodeCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := proto.Unmarshal(data, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// DecodeReply parses a Reply.
func DecodeReply(data []byte) (*Reply, error) {
	var reply Reply
	if err := proto.Unmarshal(data, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// DecodeState parses a State.
func DecodeState(data []byte) (*State, error) {
	var state State
	if err := proto.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}
