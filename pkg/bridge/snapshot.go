package bridge

import (
	"sort"
	"time"

	"github.com/robotalks/usbgpio/pkg/msgs"
)

// Snapshot is the state of the module at one poll.
type Snapshot struct {
	Time     time.Time   `json:"time"`
	Register uint8       `json:"register"`
	Analog   map[int]int `json:"analog,omitempty"`
}

// Level returns the level of channel ch in the register.
func (s *Snapshot) Level(ch int) int {
	return int(s.Register>>uint(ch)) & 1
}

// SameState tells if s and o hold the same readings, regardless of time.
func (s *Snapshot) SameState(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Register != o.Register || len(s.Analog) != len(o.Analog) {
		return false
	}
	for ch, v := range s.Analog {
		if ov, ok := o.Analog[ch]; !ok || ov != v {
			return false
		}
	}
	return true
}

// AnalogChannels returns the sampled channels in ascending order.
func (s *Snapshot) AnalogChannels() []int {
	chs := make([]int, 0, len(s.Analog))
	for ch := range s.Analog {
		chs = append(chs, ch)
	}
	sort.Ints(chs)
	return chs
}

// State converts the snapshot to its wire message.
func (s *Snapshot) State() *msgs.State {
	state := &msgs.State{
		TimestampMs: s.Time.UnixMilli(),
		Register:    uint32(s.Register),
	}
	for _, ch := range s.AnalogChannels() {
		state.Analog = append(state.Analog, &msgs.AnalogSample{
			Channel: int32(ch),
			Value:   int32(s.Analog[ch]),
		})
	}
	return state
}
