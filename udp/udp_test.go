package udp_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"pipelined.dev/duplex/stage"
	"pipelined.dev/duplex/udp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var l16 = stage.Format{Media: stage.RTP, Encoding: stage.L16, SampleRate: 48000}

func params(t *testing.T, typ *stage.Type, values map[string]interface{}) stage.Params {
	t.Helper()
	p := stage.NewParams(typ.Params...)
	for k, v := range values {
		assert.NoError(t, p.Set(k, v))
	}
	return p
}

func receiver(t *testing.T) *udp.Receiver {
	t.Helper()
	typ := udp.Source()
	p := params(t, typ, map[string]interface{}{udp.ParamAddress: "127.0.0.1", udp.ParamPort: 0})
	_, out := typ.Caps(p)
	assert.Equal(t, l16, out)
	e, err := typ.New(stage.Setup{Name: "netsrc", Params: p, Output: out})
	assert.NoError(t, err)
	r := e.(*udp.Receiver)
	assert.NoError(t, r.Start(context.Background()))
	return r
}

func TestLoopback(t *testing.T) {
	r := receiver(t)
	port := r.LocalAddr().(*net.UDPAddr).Port

	typ := udp.Sink()
	e, err := typ.New(stage.Setup{Name: "netsink", Params: params(t, typ, map[string]interface{}{udp.ParamPort: port})})
	assert.NoError(t, err)
	s := e.(interface {
		stage.Consumer
		stage.Starter
		stage.Flusher
	})
	assert.NoError(t, s.Start(context.Background()))

	sent := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 7, Timestamp: 960, SSRC: 1},
		Payload: []byte{1, 2, 3, 4},
	}
	assert.NoError(t, s.Write(stage.Buffer{Packet: sent}))

	b, err := r.Read(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, l16, b.Format)
	assert.Equal(t, uint16(7), b.Packet.SequenceNumber)
	assert.Equal(t, uint32(960), b.Timestamp)
	assert.Equal(t, []byte{1, 2, 3, 4}, b.Packet.Payload)

	// malformed datagram is a warning
	conn, err := net.Dial("udp", r.LocalAddr().String())
	assert.NoError(t, err)
	_, err = conn.Write([]byte{0})
	assert.NoError(t, err)
	assert.NoError(t, conn.Close())
	_, err = r.Read(context.Background())
	assert.True(t, stage.IsWarning(err))
	assert.ErrorIs(t, err, udp.ErrMalformedPacket)

	assert.NoError(t, s.Flush(context.Background()))
	assert.NoError(t, r.Flush(context.Background()))
	// flush is safe to repeat
	assert.NoError(t, r.Flush(context.Background()))
}

func TestInterrupt(t *testing.T) {
	r := receiver(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error)
	go func() {
		_, err := r.Read(ctx)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	r.Interrupt()
	select {
	case err := <-errc:
		assert.Equal(t, io.EOF, err)
	case <-time.After(time.Second):
		t.Fatal("read is not interrupted")
	}
	assert.NoError(t, r.Flush(context.Background()))
}

func TestPortInUse(t *testing.T) {
	r := receiver(t)
	defer r.Flush(context.Background())

	typ := udp.Source()
	port := r.LocalAddr().(*net.UDPAddr).Port
	e, err := typ.New(stage.Setup{
		Params: params(t, typ, map[string]interface{}{udp.ParamAddress: "127.0.0.1", udp.ParamPort: port}),
		Output: l16,
	})
	assert.NoError(t, err)
	assert.Error(t, e.(*udp.Receiver).Start(context.Background()))
}
