package main

import (
	"flag"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/duplex"
	"pipelined.dev/duplex/device"
	"pipelined.dev/duplex/stage"
)

func TestInit(t *testing.T) {
	//check if commands are registered
	assert.Equal(t, len(commands), 3)
}

func TestUnknownCommand(t *testing.T) {
	c := config{args: []string{"duplex", "dial"}}
	assert.Equal(t, errorExitCode, c.run())
	c = config{args: []string{"duplex"}}
	assert.Equal(t, errorExitCode, c.run())
}

func parse(t *testing.T, args ...string) (duplex.Config, error) {
	t.Helper()
	var f sessionFlags
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	f.Register(fs)
	require.NoError(t, fs.Parse(args))
	return f.Config()
}

func TestSessionFlags(t *testing.T) {
	c, err := parse(t,
		"-local-port", "6000",
		"-remote-host", "10.0.0.2",
		"-remote-port", "6002",
		"-role", "client",
		"-codec", "g722",
		"-receive-codec", "opus",
		"-receive-pt", "96",
		"-aec=false",
		"-capture", device.Sine,
		"-render", device.Null,
	)
	require.NoError(t, err)
	assert.Equal(t, 6000, c.LocalPort)
	assert.Equal(t, "10.0.0.2", c.RemoteHost)
	assert.Equal(t, 6002, c.RemotePort)
	assert.Equal(t, duplex.Client, c.Role)
	assert.Equal(t, stage.G722, c.Codec)
	assert.Equal(t, stage.OPUS, c.ReceiveCodec)
	assert.Equal(t, 96, c.ReceivePayloadType)
	assert.False(t, c.Echo.Cancel)
	assert.True(t, c.Echo.NoiseSuppression)
	assert.Equal(t, device.Sine, c.Capture.Backend)
	assert.Equal(t, device.Null, c.Render.Backend)

	_, err = parse(t, "-remote-port", "70000")
	assert.ErrorIs(t, err, duplex.ErrConfigInvalid)
	_, err = parse(t, "-codec", "opus")
	assert.ErrorIs(t, err, duplex.ErrConfigInvalid)
	_, err = parse(t, "-receive-pt", "128")
	assert.ErrorIs(t, err, duplex.ErrConfigInvalid)
}

func TestDescribe(t *testing.T) {
	c := config{args: []string{"duplex", "describe", "-capture", device.Sine, "-render", device.Null, "-ip", "10.0.0.1"}}
	assert.Equal(t, successExitCode, c.run())
}
