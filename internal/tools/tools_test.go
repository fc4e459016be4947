package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoTool struct {
	name string
	out  string
	err  error
}

func (e *echoTool) Name() string                { return e.name }
func (e *echoTool) Description() string         { return "echoes" }
func (e *echoTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (e *echoTool) Validate(params map[string]any) error {
	_, err := RequireString(params, "text")
	return err
}
func (e *echoTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	if e.err != nil {
		return nil, e.err
	}
	text, _ := RequireString(params, "text")
	target := TargetFromContext(ctx)
	return &Result{Output: e.out + text + "@" + target.Channel + ":" + target.ChatID, Success: true}, nil
}

func TestRegistry_RegisterAndList(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoTool{name: "zeta"}))
	require.NoError(t, r.Register(&echoTool{name: "alpha"}))
	assert.Error(t, r.Register(&echoTool{name: "alpha"}))

	assert.Equal(t, []string{"alpha", "zeta"}, r.Names())

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "echoes", defs[0].Description)

	_, ok := r.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoTool{name: "echo", out: "> "}))
	boom := errors.New("boom")
	require.NoError(t, r.Register(&echoTool{name: "broken", err: boom}))

	ctx := WithTarget(t.Context(), "discord", "42")
	res, err := r.Execute(ctx, "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "> hi@discord:42", res.Output)
	assert.True(t, res.Success)

	_, err = r.Execute(ctx, "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)

	_, err = r.Execute(ctx, "echo", nil)
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = r.Execute(ctx, "broken", map[string]any{"text": "x"})
	assert.ErrorIs(t, err, boom)
}

func TestRegistry_ExecuteTruncatesOutput(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoTool{name: "big", out: strings.Repeat("x", MaxOutputBytes)}))

	res, err := r.Execute(t.Context(), "big", map[string]any{"text": "y"})
	require.NoError(t, err)
	assert.Len(t, res.Output, MaxOutputBytes)
	assert.True(t, strings.HasSuffix(res.Output, "[output truncated]"))
}

func TestTargetFromContext_Empty(t *testing.T) {
	assert.Equal(t, Target{}, TargetFromContext(context.Background()))
}

func TestParams(t *testing.T) {
	params := map[string]any{
		"s":     "v",
		"empty": "",
		"num":   float64(30),
		"frac":  1.5,
		"int":   7,
		"bad":   true,
	}

	s, err := RequireString(params, "s")
	require.NoError(t, err)
	assert.Equal(t, "v", s)
	_, err = RequireString(params, "empty")
	assert.Error(t, err)
	_, err = RequireString(params, "missing")
	assert.Error(t, err)
	_, err = RequireString(params, "num")
	assert.Error(t, err)

	s, err = OptionalString(params, "missing")
	require.NoError(t, err)
	assert.Empty(t, s)
	_, err = OptionalString(params, "bad")
	assert.Error(t, err)

	n, ok, err := OptionalInt(params, "num")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(30), n)
	n, ok, err = OptionalInt(params, "int")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), n)
	_, ok, err = OptionalInt(params, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	_, _, err = OptionalInt(params, "frac")
	assert.Error(t, err)
	_, _, err = OptionalInt(params, "s")
	assert.Error(t, err)
}
