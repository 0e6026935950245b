package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	fallback := zerolog.Nop()

	dropped := FromContext(context.Background(), fallback)
	dropped.Info().Msg("dropped")
	assert.Empty(t, buf.String())

	logger := WithCycle(WithSymbol(zerolog.New(&buf), "BTCUSDT"), "c-1")
	ctx := WithLogger(context.Background(), logger)
	kept := FromContext(ctx, fallback)
	kept.Info().Msg("kept")

	assert.Contains(t, buf.String(), `"cycle_id":"c-1"`)
	assert.Contains(t, buf.String(), `"symbol":"BTCUSDT"`)
	assert.Contains(t, buf.String(), "kept")
}
