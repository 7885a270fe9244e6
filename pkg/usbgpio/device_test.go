package usbgpio

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/usbgpio/pkg/usbgpio/sim"
)

func newSimDevice(t *testing.T) (*Device, *sim.Module) {
	m := sim.New()
	d := New(m, testTiming)
	t.Cleanup(func() { d.Close() })
	return d, m
}

func TestRegisterRoundTrip(t *testing.T) {
	ctx := context.Background()
	d, m := newSimDevice(t)
	require.NoError(t, d.SetMask(ctx, 0xff))
	for _, v := range []int{0xff, 0x00, 0xa5, 0x15a} {
		require.NoError(t, d.WriteAll(ctx, v))
		got, err := d.ReadAll(ctx)
		require.NoError(t, err)
		require.Equal(t, uint8(v&0xff), got)
		again, err := d.ReadAll(ctx)
		require.NoError(t, err)
		require.Equal(t, got, again)
	}
	require.Equal(t, []string{
		"gpio iomask ff",
		"gpio writeall ff", "gpio readall", "gpio readall",
		"gpio writeall 00", "gpio readall", "gpio readall",
		"gpio writeall a5", "gpio readall", "gpio readall",
		"gpio writeall 5a", "gpio readall", "gpio readall",
	}, m.Commands())
}

func TestMaskedWriteAll(t *testing.T) {
	ctx := context.Background()
	d, m := newSimDevice(t)
	require.NoError(t, d.WriteAll(ctx, 0x0f))
	require.NoError(t, d.SetMask(ctx, 0xf0))
	require.NoError(t, d.WriteAll(ctx, 0xf0))
	got, err := d.ReadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, uint8(0xff), got)
	require.Equal(t, uint8(0xf0), m.Mask())

	m.PowerCycle()
	require.Equal(t, uint8(0xf0), m.Mask())
	require.Equal(t, uint8(0xff), m.Direction())
}

func TestSingleChannel(t *testing.T) {
	ctx := context.Background()
	d, m := newSimDevice(t)

	require.NoError(t, d.Write(ctx, 2, 1))
	require.Equal(t, uint8(0xfb), m.Direction())
	v, err := d.Read(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 1, v)
	require.Equal(t, uint8(0xff), m.Direction())

	require.NoError(t, d.Write(ctx, 2, 1))
	a, err := d.ReadAnalog(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 0, a)
	v, err = d.Read(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 0, v)

	require.NoError(t, d.Write(ctx, 3, 2))
	v, err = d.Read(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 0, v)
}

func TestReadAnalog(t *testing.T) {
	ctx := context.Background()
	d, m := newSimDevice(t)
	m.SetADC(7, 1023)
	m.SetADC(0, 17)
	v, err := d.ReadAnalog(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 1023, v)
	v, err = d.AnalogIn().Get(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 17, v)
}

func TestIdentity(t *testing.T) {
	ctx := context.Background()
	d, _ := newSimDevice(t)

	require.NoError(t, d.SetID(ctx, "0123456789abcdef"))
	id, err := d.ID(ctx)
	require.NoError(t, err)
	require.Equal(t, "01234567", id)

	require.NoError(t, d.SetIDNumber(ctx, 0x123))
	id, err = d.ID(ctx)
	require.NoError(t, err)
	require.Equal(t, "00000291", id)

	require.NoError(t, d.SetIDNumber(ctx, 0))
	id, err = d.ID(ctx)
	require.NoError(t, err)
	require.Equal(t, "00000000", id)

	require.NoError(t, d.SetID(ctx, "ab"))
	id, err = d.ID(ctx)
	require.NoError(t, err)
	require.Equal(t, "      ab", id)

	require.NoError(t, d.SetID(ctx, "ééééééééé"))
	id, err = d.ID(ctx)
	require.NoError(t, err)
	require.Equal(t, "éééééééé", id)
}

func TestVersionAndInfo(t *testing.T) {
	ctx := context.Background()
	d, _ := newSimDevice(t)
	ver, err := d.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, "00000008", ver)

	require.NoError(t, d.WriteAll(ctx, 3))
	info, err := d.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, Info{Version: "00000008", ID: "00000000", Register: 3}, info)
	require.Equal(t, "<gpio version: 00000008; id: 00000000; int: 3>", info.String())
}

func TestChunkedStream(t *testing.T) {
	ctx := context.Background()
	m := sim.New()
	m.Chunk = 1
	d := New(m, testTiming)
	defer d.Close()
	require.NoError(t, d.WriteAll(ctx, 0x42))
	v, err := d.ReadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, uint8(0x42), v)
}

func TestChannelOutOfRange(t *testing.T) {
	ctx := context.Background()
	d, m := newSimDevice(t)
	ops := map[string]func(ch int) error{
		"read": func(ch int) error {
			_, err := d.Read(ctx, ch)
			return err
		},
		"write": func(ch int) error {
			return d.Write(ctx, ch, 1)
		},
		"adc": func(ch int) error {
			_, err := d.ReadAnalog(ctx, ch)
			return err
		},
		"analog view": func(ch int) error {
			_, err := d.AnalogIn().Get(ctx, ch)
			return err
		},
		"digital in view": func(ch int) error {
			_, err := d.DigitalIn().Get(ctx, ch)
			return err
		},
		"digital out view": func(ch int) error {
			return d.DigitalOut().Set(ctx, ch, 1)
		},
	}
	for name, op := range ops {
		for _, ch := range []int{8, -1} {
			err := op(ch)
			require.IsType(t, &ChannelError{}, err, "%s(%d)", name, ch)
			require.False(t, IsFatal(err))
		}
	}
	for _, ch := range []int{4, 5} {
		_, err := d.ReadAnalog(ctx, ch)
		require.IsType(t, &ChannelError{}, err)
	}
	require.Empty(t, m.Commands())
	require.NoError(t, d.Err())
}

func TestViews(t *testing.T) {
	ctx := context.Background()
	d, m := newSimDevice(t)
	require.NoError(t, d.DigitalOut().Set(ctx, 1, 3))
	require.NoError(t, d.DigitalOut().Set(ctx, 4, 2))
	require.Equal(t, uint8(0x02), m.Levels())
	v, err := d.DigitalIn().Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, v)
	require.Equal(t, []string{"gpio set 1", "gpio clear 4", "gpio read 1"}, m.Commands())
}

func TestFramingViolation(t *testing.T) {
	testCases := []struct {
		name     string
		response string
		query    func(context.Context, *Device) error
	}{
		{
			"two lines for a query",
			"gpio readall\r\n\r>",
			func(ctx context.Context, d *Device) error {
				_, err := d.ReadAll(ctx)
				return err
			},
		},
		{
			"payload without CR",
			"gpio read 1\r\n1\n\r>",
			func(ctx context.Context, d *Device) error {
				_, err := d.Read(ctx, 1)
				return err
			},
		},
		{
			"single line for a command",
			"\r>",
			func(ctx context.Context, d *Device) error {
				return d.Write(ctx, 1, 1)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			s := newScriptedStream(tc.response)
			d := New(s, testTiming)
			err := tc.query(ctx, d)
			require.IsType(t, &FramingError{}, err)
			require.True(t, IsFatal(err))
			require.Equal(t, err, d.Err())

			s.push("ver\r\n\r00000008\n\r>")
			_, err = d.Version(ctx)
			require.Equal(t, ErrDesynchronized, err)
			require.Len(t, s.written, 1)
		})
	}
}

func TestDecodeError(t *testing.T) {
	ctx := context.Background()
	s := newScriptedStream("gpio readall\r\n\rzz\n\r>")
	d := New(s, testTiming)
	_, err := d.ReadAll(ctx)
	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	require.Equal(t, "hex", decErr.Kind)
	require.Equal(t, []byte("zz"), decErr.Payload)
	_, err = d.ReadAll(ctx)
	require.Equal(t, ErrDesynchronized, err)
}

func TestTimeoutDesynchronizes(t *testing.T) {
	timing := testTiming
	timing.Timeout = 5 * time.Millisecond
	d := New(newScriptedStream(), timing)
	_, err := d.Version(context.Background())
	require.True(t, errors.Is(err, ErrTimeout))
	_, err = d.ID(context.Background())
	require.Equal(t, ErrDesynchronized, err)
}

type failingStream struct {
	scriptedStream
	writeErr error
	closeErr error
}

func (s *failingStream) Write(p []byte) (int, error) {
	return 0, s.writeErr
}

func (s *failingStream) Close() error {
	s.scriptedStream.Close()
	return s.closeErr
}

func TestTransportError(t *testing.T) {
	s := &failingStream{writeErr: io.ErrClosedPipe}
	d := New(s, testTiming)
	err := d.WriteAll(context.Background(), 1)
	require.Equal(t, io.ErrClosedPipe, err)
	require.Equal(t, ErrDesynchronized, d.SetMask(context.Background(), 1))
}

func TestClose(t *testing.T) {
	s := newScriptedStream()
	d := New(s, testTiming)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	require.Equal(t, 1, s.closed)
	_, err := d.ReadAll(context.Background())
	require.Equal(t, ErrClosed, err)
	require.False(t, IsFatal(err))
}

func TestCloseReleasesPendingRequest(t *testing.T) {
	s := newScriptedStream()
	d := New(s, testTiming)
	errCh := make(chan error, 1)
	go func() {
		_, err := d.ReadAll(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		s.lock.Lock()
		defer s.lock.Unlock()
		return len(s.written) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, d.Close())
	select {
	case err := <-errCh:
		require.Equal(t, ErrClosed, err)
	case <-time.After(time.Second):
		t.Fatal("request still pending after Close")
	}
	require.NoError(t, d.Err())
	require.Equal(t, 1, s.closed)
}

func TestUse(t *testing.T) {
	s := &failingStream{closeErr: errors.New("close failed")}
	d := New(s, testTiming)
	fnErr := errors.New("fn failed")
	err := Use(d, func(*Device) error { return fnErr })
	require.Equal(t, fnErr, err)
	require.Equal(t, 1, s.closed)

	s = &failingStream{}
	d = New(s, testTiming)
	require.Panics(t, func() {
		Use(d, func(*Device) error { panic("boom") })
	})
	require.Equal(t, 1, s.closed)
}

func TestConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	d, m := newSimDevice(t)
	require.NoError(t, d.WriteAll(ctx, 0x81))
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := d.ReadAll(ctx)
			if err == nil && v != 0x81 {
				err = errors.New("unexpected register value")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, m.Commands(), 9)
}
