package command

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingController struct {
	calls []string
	err   error
}

func (c *recordingController) Apply(context.Context) error {
	c.calls = append(c.calls, "apply")
	return c.err
}

func (c *recordingController) Revert(context.Context) error {
	c.calls = append(c.calls, "revert")
	return c.err
}

func TestParse(t *testing.T) {
	tests := map[string]Command{
		"START":   Start,
		" start ": Start,
		"STOP":    Stop,
		"Stop":    Stop,
		"RESTART": Unknown,
		"":        Unknown,
	}
	for raw, want := range tests {
		assert.Equal(t, want, Parse(raw), "Parse(%q)", raw)
	}
}

func TestDispatch(t *testing.T) {
	ctrl := &recordingController{}
	d := NewDispatcher(ctrl, slog.New(slog.NewTextHandler(io.Discard, nil)))

	cmd, err := d.Dispatch(context.Background(), "START")
	require.NoError(t, err)
	assert.Equal(t, Start, cmd)

	_, err = d.Dispatch(context.Background(), "STOP")
	require.NoError(t, err)

	cmd, err = d.Dispatch(context.Background(), "REBOOT")
	require.NoError(t, err)
	assert.Equal(t, Unknown, cmd)

	assert.Equal(t, []string{"apply", "revert"}, ctrl.calls)
}

func TestDispatchReturnsControllerError(t *testing.T) {
	ctrl := &recordingController{err: errors.New("no privilege")}
	d := NewDispatcher(ctrl, nil)
	_, err := d.Dispatch(context.Background(), "START")
	require.EqualError(t, err, "no privilege")
}
