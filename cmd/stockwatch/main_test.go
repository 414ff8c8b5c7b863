package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"stockstream.com/pkg/market"
)

func TestRunMain_ExitCodes(t *testing.T) {
	assert.Equal(t, 0, runMain([]string{"--help"}))
	assert.Equal(t, 2, runMain([]string{"--no_such_flag"}))
	assert.Equal(t, 1, runMain([]string{"--log_level", "loud"}))
	assert.Equal(t, 1, runMain([]string{"--source", "carrier-pigeon", "--log_level", "error"}))
}

func TestPrinter_TracksSequence(t *testing.T) {
	p := newPrinter(zap.NewNop())
	for _, seq := range []uint64{1, 2, 5} {
		assert.NoError(t, p.handle(market.Quote{StockSymbol: "AAPL", Sequence: seq}))
	}
	assert.Equal(t, uint64(5), p.last)
}
