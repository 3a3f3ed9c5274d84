package buffer

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSeparatesPoisonEntries(t *testing.T) {
	msgs := []redis.XMessage{
		{ID: "1-0", Values: map[string]interface{}{
			"bet": `{"epoch":100,"wallet_address":"0x1a2b3c4d5e6f7a8b9c0d1e2f3a4b5c6d7e8f9a0b","direction":"UP","amount":"0.5","block_number":50000,"tx_hash":"0xaa01"}`,
		}},
		{ID: "1-1", Values: map[string]interface{}{"other": "payload"}},
		{ID: "1-2", Values: map[string]interface{}{"bet": "{not json"}},
	}

	entries, bad := decode(msgs)

	require.Len(t, entries, 1)
	assert.Equal(t, "1-0", entries[0].ID)
	assert.Equal(t, int64(100), entries[0].Bet.Epoch)
	assert.Equal(t, "0xaa01", entries[0].Bet.TxHash)

	// Undecodable entries are returned for acknowledgement, so the
	// group's pending list drains instead of replaying them forever.
	assert.Equal(t, []string{"1-1", "1-2"}, bad)
}

func TestDecodeEmpty(t *testing.T) {
	entries, bad := decode(nil)
	assert.Empty(t, entries)
	assert.Empty(t, bad)
}
