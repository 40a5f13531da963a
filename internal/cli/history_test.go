package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryOptionsDerivesKey(t *testing.T) {
	historyAsset, historyPlatform, historyChain, historyLock = "wbtc", "Kraken", "", "Flexible"
	historyFrom, historyTo = "2026-01-01T00:00:00Z", ""
	t.Cleanup(func() { historyAsset, historyPlatform, historyFrom = "", "", "" })

	opts, err := historyOptions()
	require.NoError(t, err)
	assert.Equal(t, "BTC", opts.Key.Asset)
	assert.Equal(t, "bitcoin", opts.Key.Chain)
	assert.Equal(t, "Kraken", opts.Key.Platform)
	require.NotNil(t, opts.From)
	assert.Nil(t, opts.To)

	historyFrom = "yesterday"
	_, err = historyOptions()
	assert.ErrorContains(t, err, "--from")
}
