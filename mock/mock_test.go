package mock_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"pipelined.dev/duplex/mock"
	"pipelined.dev/duplex/stage"
)

func TestElement(t *testing.T) {
	tr := mock.NewTracker()
	f := stage.Format{Media: stage.Raw, SampleRate: 48000, Channels: 1, SampleFormat: stage.S16}
	typ := mock.Type("source", stage.Source, f, tr)

	p := stage.NewParams(typ.Params...)
	assert.NoError(t, p.Set(mock.ParamBuffers, 3))
	assert.NoError(t, p.Set(mock.ParamWarnAfter, 2))
	el, err := typ.New(stage.Setup{Name: "src", Params: p, Output: f})
	assert.NoError(t, err)
	src := el.(*mock.Element)

	ctx := context.Background()
	assert.NoError(t, src.Start(ctx))
	b, err := src.Read(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 480, b.NumFrames())
	_, err = src.Read(ctx)
	assert.True(t, stage.IsWarning(err))
	assert.True(t, errors.Is(err, mock.ErrWarn))
	_, err = src.Read(ctx)
	assert.NoError(t, err)
	_, err = src.Read(ctx)
	assert.Equal(t, io.EOF, err)
	assert.NoError(t, src.Flush(ctx))

	assert.Equal(t, []string{"new:src", "start:src", "flush:src"}, tr.Events())
	assert.Equal(t, src, tr.Element("src"))
	assert.Equal(t, 3, src.Messages())
}
