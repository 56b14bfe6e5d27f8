package duplex_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pipelined.dev/duplex"
	"pipelined.dev/duplex/audio"
	"pipelined.dev/duplex/codec"
	"pipelined.dev/duplex/device"
	"pipelined.dev/duplex/graph"
	"pipelined.dev/duplex/mock"
	"pipelined.dev/duplex/rtp"
	"pipelined.dev/duplex/stage"
	"pipelined.dev/duplex/udp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	send = []string{
		duplex.StageCapture,
		duplex.StageConvertIn,
		duplex.StageResampleIn,
		duplex.StageCapsIn,
		duplex.StageDSP,
		duplex.StageEncoder,
		duplex.StagePay,
		duplex.StageNetSink,
	}
	receive = []string{
		duplex.StageNetSrc,
		duplex.StageJitter,
		duplex.StageDepay,
		duplex.StageDecoder,
		duplex.StageConvertOut,
		duplex.StageResampleOut,
		duplex.StageProbe,
		duplex.StageRender,
	}
)

func reversed(names ...[]string) []string {
	var all []string
	for _, n := range names {
		all = append(all, n...)
	}
	out := make([]string, len(all))
	for i, n := range all {
		out[len(all)-1-i] = n
	}
	return out
}

func mockRegistry(t *testing.T, tr *mock.Tracker) *stage.Registry {
	t.Helper()
	r, err := duplex.NewRegistry()
	require.NoError(t, err)
	return mock.Registry(r, tr)
}

// build returns the session of mocked stages. Params are set on stages
// before start.
func build(t *testing.T, params map[string]map[string]interface{}) (*duplex.Session, *mock.Tracker) {
	t.Helper()
	tr := mock.NewTracker()
	s, err := duplex.Build(duplex.DefaultConfig(), duplex.WithRegistry(mockRegistry(t, tr)))
	require.NoError(t, err)
	for name, values := range params {
		h, ok := s.Graph().Lookup(name)
		require.True(t, ok, name)
		for k, v := range values {
			require.NoError(t, s.Graph().SetParameter(h, k, v))
		}
	}
	return s, tr
}

// finite makes both branches end after n buffers.
func finite(n int) map[string]map[string]interface{} {
	return map[string]map[string]interface{}{
		duplex.StageCapture: {mock.ParamBuffers: n},
		duplex.StageNetSrc:  {mock.ParamBuffers: n},
	}
}

func run(t *testing.T, s *duplex.Session) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() {
		errc <- s.Run(context.Background())
	}()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("run didn't return")
	}
	return nil
}

func TestBuildEndpoints(t *testing.T) {
	tr := mock.NewTracker()
	c := duplex.DefaultConfig()
	c.LocalPort = 5000
	c.RemoteHost = "192.168.1.2"
	c.RemotePort = 5001
	s, err := duplex.Build(c, duplex.WithRegistry(mockRegistry(t, tr)))
	require.NoError(t, err)
	assert.Equal(t, duplex.Built, s.State())
	assert.NotEmpty(t, s.ID())

	param := func(name, key string) interface{} {
		h, ok := s.Graph().Lookup(name)
		require.True(t, ok)
		v, err := s.Graph().Parameter(h, key)
		require.NoError(t, err)
		return v
	}
	assert.Equal(t, 5000, param(duplex.StageNetSrc, udp.ParamPort))
	assert.Equal(t, "192.168.1.2", param(duplex.StageNetSink, udp.ParamHost))
	assert.Equal(t, 5001, param(duplex.StageNetSink, udp.ParamPort))

	var names []string
	for _, n := range s.Graph().Nodes() {
		names = append(names, n.Name)
		if contains(send, n.Name) {
			assert.Equal(t, stage.Send, n.Branch, n.Name)
		} else {
			assert.Equal(t, stage.Receive, n.Branch, n.Name)
		}
	}
	assert.Equal(t, append(append([]string(nil), send...), receive...), names)

	// formats are fixed end to end
	for _, l := range s.Graph().Links() {
		assert.True(t, l.Format.Fixed(), "%s -> %s: %v", l.From.Name(), l.To.Name(), l.Format)
	}
	canceller, probe, ok := s.Graph().Reference()
	assert.True(t, ok)
	assert.Equal(t, duplex.StageDSP, canceller.Name())
	assert.Equal(t, duplex.StageProbe, probe.Name())

	// nothing is created before start
	assert.Empty(t, tr.Events())
	assert.NoError(t, s.Stop())
	assert.Equal(t, duplex.Stopped, s.State())
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func TestBuildConfigInvalid(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*duplex.Config)
	}{
		{"remote port out of range", func(c *duplex.Config) { c.RemotePort = 70000 }},
		{"local port zero", func(c *duplex.Config) { c.LocalPort = 0 }},
		{"empty host", func(c *duplex.Config) { c.RemoteHost = "" }},
		{"unknown role", func(c *duplex.Config) { c.Role = "peer" }},
		{"receive only codec", func(c *duplex.Config) { c.Codec = stage.OPUS }},
	}
	for _, test := range tests {
		tr := mock.NewTracker()
		c := duplex.DefaultConfig()
		test.modify(&c)
		s, err := duplex.Build(c, duplex.WithRegistry(mockRegistry(t, tr)))
		assert.ErrorIs(t, err, duplex.ErrConfigInvalid, test.name)
		assert.Nil(t, s, test.name)
		assert.Empty(t, tr.Events(), test.name)
	}
}

func TestBuildIncompatiblePorts(t *testing.T) {
	tr := mock.NewTracker()
	r := mockRegistry(t, tr)
	// resampler that can only produce 44.1 kHz
	fixed := mock.Type(audio.ResampleName, stage.Filter, stage.Format{Media: stage.Raw, SampleRate: 44100}, tr)
	require.NoError(t, r.Replace(fixed))

	_, err := duplex.Build(duplex.DefaultConfig(), duplex.WithRegistry(r))
	assert.ErrorIs(t, err, duplex.ErrGraphConstructionFailed)
	assert.ErrorIs(t, err, graph.ErrIncompatiblePorts)
	var be *duplex.BuildError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, duplex.StageCapsIn, be.Stage)
}

func TestBuildUnknownType(t *testing.T) {
	r, err := stage.NewRegistry(audio.Types()...)
	require.NoError(t, err)
	_, err = duplex.Build(duplex.DefaultConfig(), duplex.WithRegistry(r))
	assert.ErrorIs(t, err, duplex.ErrGraphConstructionFailed)
	assert.ErrorIs(t, err, graph.ErrUnknownType)
}

func TestStartStop(t *testing.T) {
	s, tr := build(t, nil)
	require.NoError(t, s.Start())
	assert.Equal(t, duplex.Playing, s.State())
	assert.Equal(t, append(append([]string(nil), send...), receive...), tr.Filter("start"))
	assert.Equal(t, []string{duplex.StageDSP}, tr.Filter("bind"))

	assert.ErrorIs(t, s.Start(), duplex.ErrInvalidState)

	assert.NoError(t, s.Stop())
	assert.Equal(t, duplex.Stopped, s.State())
	assert.NoError(t, s.Stop())
	assert.Equal(t, duplex.Stopped, s.State())

	// resources are released once in reverse order
	assert.Equal(t, reversed(send, receive), tr.Filter("flush"))
	for _, name := range send {
		assert.Equal(t, 1, tr.Element(name).Flushed, name)
	}
	assert.True(t, tr.Element(duplex.StageNetSrc).Interrupted)
	assert.Nil(t, s.Err())
}

func TestCoupleAfterStart(t *testing.T) {
	s, _ := build(t, nil)
	dsp, _ := s.Graph().Lookup(duplex.StageDSP)
	probe, _ := s.Graph().Lookup(duplex.StageProbe)
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Graph().CoupleReference(dsp, probe), graph.ErrGraphAlreadyActive)
	assert.NoError(t, s.Stop())
}

func TestActivationFailed(t *testing.T) {
	s, tr := build(t, map[string]map[string]interface{}{
		duplex.StageNetSrc: {mock.ParamFailStart: true},
	})
	err := s.Start()
	assert.ErrorIs(t, err, duplex.ErrActivationFailed)
	assert.ErrorIs(t, err, mock.ErrStart)
	var se *stage.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, duplex.StageNetSrc, se.Stage)
	assert.Equal(t, duplex.Failed, s.State())
	assert.Equal(t, err, s.Err())

	// started stages are stopped in reverse order
	assert.Equal(t, reversed(send), tr.Filter("flush"))

	assert.NoError(t, s.Stop())
	assert.Equal(t, duplex.Failed, s.State())
	assert.Equal(t, err, s.Run(context.Background()))
	assert.Equal(t, reversed(send), tr.Filter("flush"))
}

func TestRunEndOfStream(t *testing.T) {
	s, tr := build(t, finite(5))
	require.NoError(t, s.Start())
	assert.NoError(t, run(t, s))
	assert.Equal(t, duplex.Stopped, s.State())
	assert.Len(t, tr.Element(duplex.StageNetSink).Buffers(), 5)
	assert.Len(t, tr.Element(duplex.StageRender).Buffers(), 5)
	assert.Equal(t, reversed(send, receive), tr.Filter("flush"))

	// bus is sealed after teardown
	assert.False(t, s.Bus().Post(duplex.Message{Kind: duplex.Error, Err: errors.New("late")}))
	assert.NoError(t, s.Run(context.Background()))
}

func TestRunInjected(t *testing.T) {
	tests := []struct {
		name    string
		message duplex.Message
		state   duplex.State
		err     error
	}{
		{
			name:    "end of stream",
			message: duplex.Message{Kind: duplex.EndOfStream},
			state:   duplex.Stopped,
		},
		{
			name:    "error",
			message: duplex.Message{Kind: duplex.Error, Stage: duplex.StageDSP, Err: mock.ErrCall},
			state:   duplex.Failed,
			err:     duplex.ErrRuntime,
		},
	}
	for _, test := range tests {
		s, tr := build(t, nil)
		require.NoError(t, s.Start())
		assert.True(t, s.Bus().Post(test.message), test.name)
		err := run(t, s)
		if test.err != nil {
			assert.ErrorIs(t, err, test.err, test.name)
			assert.ErrorIs(t, err, mock.ErrCall, test.name)
		} else {
			assert.NoError(t, err, test.name)
		}
		assert.Equal(t, test.state, s.State(), test.name)
		assert.Equal(t, reversed(send, receive), tr.Filter("flush"), test.name)
	}
}

func TestEndOfStreamLikeStop(t *testing.T) {
	eos, eosTracker := build(t, nil)
	require.NoError(t, eos.Start())
	eos.Bus().Post(duplex.Message{Kind: duplex.EndOfStream})
	assert.NoError(t, run(t, eos))

	stopped, stopTracker := build(t, nil)
	require.NoError(t, stopped.Start())
	errc := make(chan error, 1)
	go func() {
		errc <- stopped.Run(context.Background())
	}()
	assert.NoError(t, stopped.Stop())
	assert.NoError(t, <-errc)

	assert.Equal(t, eos.State(), stopped.State())
	assert.Equal(t, eosTracker.Filter("flush"), stopTracker.Filter("flush"))
}

func TestRunStageError(t *testing.T) {
	s, tr := build(t, map[string]map[string]interface{}{
		duplex.StageProbe: {mock.ParamFailAfter: 3},
	})
	require.NoError(t, s.Start())
	err := run(t, s)
	assert.ErrorIs(t, err, duplex.ErrRuntime)
	assert.ErrorIs(t, err, mock.ErrCall)
	var se *stage.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, duplex.StageProbe, se.Stage)
	assert.Equal(t, duplex.Failed, s.State())
	assert.Equal(t, reversed(send, receive), tr.Filter("flush"))
	assert.NoError(t, s.Stop())
}

func TestWarnings(t *testing.T) {
	params := finite(5)
	params[duplex.StageDSP] = map[string]interface{}{mock.ParamWarnAfter: 2}
	s, _ := build(t, params)
	require.NoError(t, s.Start())
	assert.NoError(t, run(t, s))
	warnings := s.Warnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, duplex.StageDSP, warnings[0].Stage)
	assert.ErrorIs(t, warnings[0].Err, mock.ErrWarn)
	assert.Equal(t, duplex.Stopped, s.State())
}

func TestRunContextCancel(t *testing.T) {
	s, _ := build(t, nil)
	require.NoError(t, s.Start())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Run(ctx))
	assert.Equal(t, duplex.Stopped, s.State())
}

func TestRunInvalidState(t *testing.T) {
	s, _ := build(t, nil)
	assert.ErrorIs(t, s.Run(context.Background()), duplex.ErrInvalidState)
	assert.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Start(), duplex.ErrInvalidState)
}

func TestDescribe(t *testing.T) {
	s, _ := build(t, nil)
	d, err := s.Describe("192.168.1.1")
	require.NoError(t, err)
	raw, err := d.Marshal()
	require.NoError(t, err)
	sdp := string(raw)
	assert.Contains(t, sdp, "m=audio 5000 RTP/AVP 96")
	assert.Contains(t, sdp, "a=rtpmap:96 L16/48000")
	assert.Contains(t, sdp, "a=ptime:20")
	assert.Contains(t, sdp, "c=IN IP4 192.168.1.1")
}

func TestDescribeNetSrcPort(t *testing.T) {
	s, _ := build(t, map[string]map[string]interface{}{
		duplex.StageNetSrc: {udp.ParamPort: 6000},
	})
	d, err := s.Describe("192.168.1.1")
	require.NoError(t, err)
	raw, err := d.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "m=audio 6000 RTP/AVP 96")
	assert.NotContains(t, string(raw), "m=audio 5000")
}

func TestDescribeReceiveCodec(t *testing.T) {
	c := duplex.DefaultConfig()
	c.Codec = stage.G722
	c.ReceiveCodec = stage.OPUS
	s, err := duplex.Build(c, duplex.WithRegistry(mockRegistry(t, mock.NewTracker())))
	require.NoError(t, err)
	d, err := s.Describe("192.168.1.1")
	require.NoError(t, err)
	raw, err := d.Marshal()
	require.NoError(t, err)
	sdp := string(raw)
	assert.Contains(t, sdp, "m=audio 5000 RTP/AVP 9 111")
	assert.Contains(t, sdp, "a=rtpmap:9 G722/8000")
	assert.Contains(t, sdp, "a=rtpmap:111 opus/48000/2")
}

func TestBuildReceiveOpus(t *testing.T) {
	tr := mock.NewTracker()
	c := duplex.DefaultConfig()
	c.ReceiveCodec = stage.OPUS
	c.ReceivePayloadType = 96
	s, err := duplex.Build(c, duplex.WithRegistry(mockRegistry(t, tr)))
	require.NoError(t, err)

	param := func(name, key string) interface{} {
		h, ok := s.Graph().Lookup(name)
		require.True(t, ok)
		v, err := s.Graph().Parameter(h, key)
		require.NoError(t, err)
		return v
	}
	assert.Equal(t, string(stage.OPUS), param(duplex.StageNetSrc, udp.ParamEncoding))
	assert.Equal(t, 96, param(duplex.StageDepay, rtp.ParamPayloadType))
	assert.Equal(t, string(stage.OPUS), param(duplex.StageDecoder, codec.ParamEncoding))
	// send branch keeps its own codec
	assert.Equal(t, string(stage.L16), param(duplex.StageEncoder, codec.ParamEncoding))

	for _, l := range s.Graph().Links() {
		assert.True(t, l.Format.Fixed(), "%s -> %s: %v", l.From.Name(), l.To.Name(), l.Format)
		if l.To.Name() == duplex.StageDecoder {
			assert.Equal(t, stage.Format{Media: stage.Encoded, Encoding: stage.OPUS, SampleRate: 48000}, l.Format)
		}
	}

	require.NoError(t, s.Start())
	decoder := tr.Element(duplex.StageDecoder)
	require.NotNil(t, decoder)
	assert.Equal(t, stage.OPUS, decoder.Input().Encoding)
	assert.Equal(t, stage.OPUS, tr.Element(duplex.StageNetSrc).Output().Encoding)
	require.NoError(t, s.Stop())
}

func TestReceiveOpusStages(t *testing.T) {
	ports := freePorts(t, 2)
	tr := mock.NewTracker()
	r, err := duplex.NewRegistry()
	require.NoError(t, err)
	require.NoError(t, r.Replace(mock.Stub(device.Render(), tr)))

	c := duplex.DefaultConfig()
	c.LocalPort = ports[0]
	c.RemotePort = ports[1]
	c.ReceiveCodec = stage.OPUS
	c.ReceivePayloadType = 96
	c.Capture = duplex.DeviceConfig{Backend: device.Sine, Rate: 48000, Channels: 1}
	c.Echo = duplex.EchoConfig{}
	c.DotDir = ""
	s, err := duplex.Build(c, duplex.WithRegistry(r))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.Equal(t, duplex.Playing, s.State())
	require.NoError(t, s.Stop())
	render := tr.Element(duplex.StageRender)
	require.NotNil(t, render)
	assert.Equal(t, stage.Format{Media: stage.Raw, SampleRate: 48000, Channels: 1, SampleFormat: stage.S16}, render.Input())
}

func TestDotDump(t *testing.T) {
	dir := t.TempDir()
	tr := mock.NewTracker()
	c := duplex.DefaultConfig()
	c.DotDir = dir
	s, err := duplex.Build(c, duplex.WithRegistry(mockRegistry(t, tr)))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())

	data, err := os.ReadFile(filepath.Join(dir, "duplex-"+s.ID()+".dot"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "digraph duplex {"))
	assert.Contains(t, string(data), "echo reference")
}

// freePorts returns distinct UDP ports that are free at the moment.
func freePorts(t *testing.T, n int) []int {
	t.Helper()
	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		conn, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		defer conn.Close()
		ports = append(ports, conn.LocalAddr().(*net.UDPAddr).Port)
	}
	return ports
}

// peer builds a session of real stages sending sine tone. Only render is
// stubbed to inspect played audio.
func peer(t *testing.T, local, remote int) (*duplex.Session, *mock.Tracker) {
	t.Helper()
	tr := mock.NewTracker()
	r, err := duplex.NewRegistry()
	require.NoError(t, err)
	require.NoError(t, r.Replace(mock.Stub(device.Render(), tr)))

	c := duplex.DefaultConfig()
	c.LocalPort = local
	c.RemotePort = remote
	c.Capture = duplex.DeviceConfig{Backend: device.Sine, Rate: 44100, Channels: 2}
	c.Echo = duplex.EchoConfig{}
	c.DotDir = ""
	s, err := duplex.Build(c, duplex.WithRegistry(r))
	require.NoError(t, err)
	return s, tr
}

func TestLoopback(t *testing.T) {
	ports := freePorts(t, 2)
	a, b := ports[0], ports[1]
	alice, aliceTracker := peer(t, a, b)
	bob, bobTracker := peer(t, b, a)
	require.NoError(t, alice.Start())
	require.NoError(t, bob.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- bob.Run(ctx)
	}()
	require.NoError(t, alice.Run(ctx))
	require.NoError(t, <-errc)

	for _, tr := range []*mock.Tracker{aliceTracker, bobTracker} {
		render := tr.Element(duplex.StageRender)
		require.NotNil(t, render)
		assert.Equal(t, stage.Format{Media: stage.Raw, SampleRate: 48000, Channels: 1, SampleFormat: stage.S16}, render.Input())
		bufs := render.Buffers()
		assert.Greater(t, len(bufs), 5)
		var peak int16
		for _, buf := range bufs {
			for _, v := range stage.PCM16(buf.Audio) {
				if v > peak {
					peak = v
				}
			}
		}
		assert.Greater(t, peak, int16(1000))
	}
	assert.Equal(t, duplex.Stopped, alice.State())
	assert.Equal(t, duplex.Stopped, bob.State())
}
