package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	fx "github.com/robotalks/usbgpio/pkg/framework"
	"github.com/robotalks/usbgpio/pkg/msgs"
	"github.com/robotalks/usbgpio/pkg/usbgpio"
	"github.com/robotalks/usbgpio/pkg/usbgpio/sim"
)

var testTiming = usbgpio.Timing{
	PollInterval: 100 * time.Microsecond,
	Quiet:        5 * time.Millisecond,
	Timeout:      time.Second,
}

type simOpener struct {
	lock    sync.Mutex
	modules []*sim.Module
	err     error
}

func (o *simOpener) open() (*usbgpio.Device, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	m := sim.New()
	o.modules = append(o.modules, m)
	return usbgpio.New(m, testTiming), nil
}

func (o *simOpener) module() *sim.Module {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.modules[len(o.modules)-1]
}

func (o *simOpener) opened() int {
	o.lock.Lock()
	defer o.lock.Unlock()
	return len(o.modules)
}

type recorder struct {
	lock      sync.Mutex
	snapshots []*Snapshot
}

func (r *recorder) Publish(ctx context.Context, s *Snapshot) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.snapshots = append(r.snapshots, s)
	return nil
}

func (r *recorder) published() []*Snapshot {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]*Snapshot(nil), r.snapshots...)
}

func newTestBridge(analog ...int) (*Bridge, *fx.Loop, *simOpener, *recorder) {
	opener := &simOpener{}
	rec := &recorder{}
	b := New(opener.open, analog).AddPublisher(rec)
	loop := &fx.Loop{Interval: time.Hour}
	loop.Add(b)
	return b, loop, opener, rec
}

func runLoop(t *testing.T, loop *fx.Loop, b *Bridge) {
	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(doneCh)
	}()
	t.Cleanup(func() {
		cancel()
		<-doneCh
		b.Close()
	})
}

func TestPollPublishesChanges(t *testing.T) {
	ctx := context.Background()
	b, loop, opener, rec := newTestBridge(0, 7)
	defer b.Close()

	loop.RunIteration(ctx)
	require.Equal(t, 1, opener.opened())
	require.Len(t, rec.published(), 1)
	require.Equal(t, "00000008", b.Info().Version)

	loop.RunIteration(ctx)
	require.Len(t, rec.published(), 1)
	require.NotNil(t, b.Last())

	opener.module().SetADC(7, 700)
	loop.RunIteration(ctx)
	published := rec.published()
	require.Len(t, published, 2)
	require.Equal(t, map[int]int{0: 0, 7: 700}, published[1].Analog)
	require.Equal(t, uint8(0), published[1].Register)

	// the conversion pulled pin 7 high after the register was read
	loop.RunIteration(ctx)
	published = rec.published()
	require.Len(t, published, 3)
	require.Equal(t, uint8(0x80), published[2].Register)
}

func TestReopenAfterFailure(t *testing.T) {
	ctx := context.Background()
	b, loop, opener, rec := newTestBridge()
	defer b.Close()

	loop.RunIteration(ctx)
	opener.module().Close()
	loop.RunIteration(ctx)
	require.Equal(t, 1, opener.opened())
	loop.RunIteration(ctx)
	require.Equal(t, 2, opener.opened())
	require.Len(t, rec.published(), 1)
}

func TestSubmit(t *testing.T) {
	b, loop, opener, _ := newTestBridge()
	_, err := New(opener.open, nil).Submit(context.Background(), &msgs.Command{Op: msgs.OpVersion})
	require.Equal(t, ErrNotRunning, err)

	runLoop(t, loop, b)
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()

	_, err = b.Submit(ctx, &msgs.Command{Op: msgs.OpWrite, Channel: 5, Value: 1})
	require.NoError(t, err)
	reply, err := b.Submit(ctx, &msgs.Command{Sequence: 3, Op: msgs.OpReadAll})
	require.NoError(t, err)
	require.Equal(t, uint64(3), reply.Sequence)
	require.Equal(t, int32(0x20), reply.Value)

	_, err = b.Submit(ctx, &msgs.Command{Op: msgs.OpRead, Channel: 8})
	require.IsType(t, &usbgpio.ChannelError{}, err)
	_, err = b.Submit(ctx, &msgs.Command{Op: "reboot"})
	require.IsType(t, &ErrUnknownOp{}, err)
	require.Equal(t, 1, opener.opened())
}

func TestSubmitRejectsWriteToSampledChannel(t *testing.T) {
	b, loop, opener, _ := newTestBridge(0)
	runLoop(t, loop, b)
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()

	_, err := b.Submit(ctx, &msgs.Command{Op: msgs.OpWrite, Channel: 0, Value: 1})
	require.IsType(t, &usbgpio.ChannelError{}, err)
	_, err = b.Submit(ctx, &msgs.Command{Op: msgs.OpWrite, Channel: 1, Value: 1})
	require.NoError(t, err)
	reply, err := b.Submit(ctx, &msgs.Command{Op: msgs.OpADC, Channel: 0})
	require.NoError(t, err)
	require.Equal(t, int32(0), reply.Value)
	require.NotContains(t, opener.module().Commands(), "gpio set 0")
	require.Contains(t, opener.module().Commands(), "gpio set 1")
}

func TestExpiredRequestIsDropped(t *testing.T) {
	b, loop, opener, _ := newTestBridge()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Submit(ctx, &msgs.Command{Op: msgs.OpWrite, Channel: 3, Value: 1})
	require.Equal(t, context.Canceled, err)

	loop.RunIteration(context.Background())
	require.Equal(t, 1, opener.opened())
	require.NotContains(t, opener.module().Commands(), "gpio set 3")
	require.Equal(t, uint8(0), opener.module().Levels())
}

func TestSubmitWithoutDevice(t *testing.T) {
	b, loop, opener, _ := newTestBridge()
	opener.err = errors.New("no such port")
	runLoop(t, loop, b)
	_, err := b.Submit(context.Background(), &msgs.Command{Op: msgs.OpVersion})
	require.True(t, errors.Is(err, ErrNoDevice))
	require.Contains(t, err.Error(), "no such port")
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	m := sim.New()
	dev := usbgpio.New(m, testTiming)
	defer dev.Close()
	m.SetADC(3, 321)

	testCases := []struct {
		cmd   msgs.Command
		value int32
		text  string
	}{
		{msgs.Command{Op: msgs.OpMask, Value: 0xff}, 0, ""},
		{msgs.Command{Op: msgs.OpWriteAll, Value: 0x0f}, 0, ""},
		{msgs.Command{Op: msgs.OpIODir, Value: 0xff}, 0, ""},
		{msgs.Command{Op: msgs.OpReadAll}, 0x0f, ""},
		{msgs.Command{Op: msgs.OpRead, Channel: 1}, 1, ""},
		{msgs.Command{Op: msgs.OpADC, Channel: 3}, 321, ""},
		{msgs.Command{Op: msgs.OpSetID, Text: "bench"}, 0, ""},
		{msgs.Command{Op: msgs.OpID}, 0, "   bench"},
		{msgs.Command{Op: msgs.OpVersion}, 0, "00000008"},
		{msgs.Command{Op: msgs.OpInfo}, 0x07, "<gpio version: 00000008; id:    bench; int: 7>"},
	}
	for _, tc := range testCases {
		reply, err := Apply(ctx, dev, &tc.cmd)
		require.NoError(t, err, tc.cmd.Op)
		require.Equal(t, tc.value, reply.Value, tc.cmd.Op)
		require.Equal(t, tc.text, reply.Text, tc.cmd.Op)
	}
}

func TestSnapshot(t *testing.T) {
	s := &Snapshot{Time: time.Unix(1700000000, 0), Register: 0x05, Analog: map[int]int{6: 12, 0: 1023}}
	require.Equal(t, 1, s.Level(0))
	require.Equal(t, 0, s.Level(1))
	require.Equal(t, []int{0, 6}, s.AnalogChannels())
	require.True(t, s.SameState(&Snapshot{Register: 0x05, Analog: map[int]int{0: 1023, 6: 12}}))
	require.False(t, s.SameState(&Snapshot{Register: 0x05, Analog: map[int]int{0: 1023}}))
	require.False(t, s.SameState(nil))

	state := s.State()
	require.Equal(t, int64(1700000000000), state.TimestampMs)
	require.Equal(t, uint32(5), state.Register)
	require.Len(t, state.Analog, 2)
	require.Equal(t, int32(6), state.Analog[1].Channel)
}

func TestInfluxPoint(t *testing.T) {
	s := &Snapshot{Time: time.Unix(1700000000, 0), Register: 0x81, Analog: map[int]int{2: 400}}
	p := Point("bench", s)
	require.Equal(t, Measurement, p.Name())
	line := write.PointToLineProtocol(p, time.Second)
	require.True(t, strings.HasPrefix(line, "usbgpio,name=bench "), line)
	require.Contains(t, line, "adc2=400i")
	require.Contains(t, line, "io0=1i")
	require.Contains(t, line, "io1=0i")
	require.Contains(t, line, "register=129i")
	require.Contains(t, line, " 1700000000")
}

type fakeQueue struct {
	lock   sync.Mutex
	topics []string
	data   [][]byte
}

func (q *fakeQueue) Pub(topic string, payload []byte) paho.Token {
	return q.PubWith(topic, payload, 0, false)
}

func (q *fakeQueue) PubWith(topic string, payload []byte, qos byte, retain bool) paho.Token {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.topics = append(q.topics, topic)
	q.data = append(q.data, payload)
	return &paho.DummyToken{}
}

func TestMQTTLink(t *testing.T) {
	b, loop, _, _ := newTestBridge()
	runLoop(t, loop, b)
	q := &fakeQueue{}
	l := &MQTTLink{Name: "bench", Port: "sim", Bridge: b, pub: q}

	require.NoError(t, l.Publish(context.Background(), &Snapshot{Register: 3}))
	state, err := msgs.DecodeState(q.data[0])
	require.NoError(t, err)
	require.Equal(t, uint32(3), state.Register)

	data, err := msgs.Encode(&msgs.Command{Sequence: 9, Op: msgs.OpVersion})
	require.NoError(t, err)
	cmd, err := msgs.DecodeCommand(data)
	require.NoError(t, err)
	l.serve(cmd)
	reply, err := msgs.DecodeReply(q.data[1])
	require.NoError(t, err)
	require.Equal(t, &msgs.Reply{Sequence: 9, Text: "00000008"}, reply)

	l.serve(&msgs.Command{Sequence: 10, Op: "reboot"})
	reply, err = msgs.DecodeReply(q.data[2])
	require.NoError(t, err)
	require.Equal(t, `unknown op "reboot"`, reply.Error)

	l.publishMeta()
	var meta Meta
	require.NoError(t, json.Unmarshal(q.data[3], &meta))
	require.Equal(t, "sim", meta.Port)
	require.Equal(t, []string{"bench/state", "bench/reply", "bench/reply", "bench/meta"}, q.topics)
}

func TestMQTTMetaOnDeviceOpen(t *testing.T) {
	b, loop, _, _ := newTestBridge()
	defer b.Close()
	q := &fakeQueue{}
	l := &MQTTLink{Name: "bench", Port: "sim", Bridge: b, pub: q}
	b.OnOpen(l.deviceOpened)

	loop.RunIteration(context.Background())
	require.Equal(t, []string{"bench/meta"}, q.topics)
	var meta Meta
	require.NoError(t, json.Unmarshal(q.data[0], &meta))
	require.Equal(t, Meta{Port: "sim", Version: "00000008", ID: "00000000"}, meta)

	loop.RunIteration(context.Background())
	require.Len(t, q.topics, 1)
}

type connectToken struct {
	paho.DummyToken
	err error
}

func (t *connectToken) Error() error {
	return t.err
}

func TestMQTTConnectRetry(t *testing.T) {
	var attempts int
	l := &MQTTLink{
		RetryInterval: time.Millisecond,
		connect: func() paho.Token {
			attempts++
			if attempts < 3 {
				return &connectToken{err: errors.New("connection refused")}
			}
			return &connectToken{}
		},
	}
	require.True(t, l.connectLoop(context.Background()))
	require.Equal(t, 3, attempts)

	attempts = -100
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.False(t, l.connectLoop(ctx))
	require.True(t, attempts > -100)
}

func httpDo(t *testing.T, method, url string) (int, map[string]interface{}) {
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	return resp.StatusCode, out
}

func TestHTTPServer(t *testing.T) {
	b, loop, opener, _ := newTestBridge(6)
	hub := NewHub(b)
	b.AddPublisher(hub)
	srv := httptest.NewServer(NewServer("", b, hub).Handler())
	defer srv.Close()

	status, _ := httpDo(t, http.MethodGet, srv.URL+"/state")
	require.Equal(t, http.StatusServiceUnavailable, status)

	runLoop(t, loop, b)
	status, out := httpDo(t, http.MethodPut, srv.URL+"/pins/2/1")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(0), out["value"])

	status, out = httpDo(t, http.MethodGet, srv.URL+"/pins/2")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(1), out["value"])

	opener.module().SetADC(6, 900)
	status, out = httpDo(t, http.MethodGet, srv.URL+"/adc/6")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(900), out["value"])

	status, _ = httpDo(t, http.MethodGet, srv.URL+"/adc/4")
	require.Equal(t, http.StatusBadRequest, status)
	status, _ = httpDo(t, http.MethodGet, srv.URL+"/pins/x")
	require.Equal(t, http.StatusBadRequest, status)

	status, out = httpDo(t, http.MethodGet, srv.URL+"/state")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(0x44), out["register"])

	status, out = httpDo(t, http.MethodGet, srv.URL+"/info")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "00000008", out["version"])
}

func TestWebsocketStream(t *testing.T) {
	b, loop, opener, _ := newTestBridge()
	hub := NewHub(b)
	b.AddPublisher(hub)
	srv := httptest.NewServer(NewServer("", b, hub).Handler())
	defer srv.Close()

	loop.RunIteration(context.Background())
	conn, err := websocket.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", "", "http://localhost/")
	require.NoError(t, err)
	defer conn.Close()

	var s Snapshot
	require.NoError(t, websocket.JSON.Receive(conn, &s))
	require.Equal(t, uint8(0), s.Register)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, time.Millisecond)
	opener.module().SetLevel(3, true)
	loop.RunIteration(context.Background())
	require.NoError(t, websocket.JSON.Receive(conn, &s))
	require.Equal(t, uint8(0x08), s.Register)
	b.Close()
}
