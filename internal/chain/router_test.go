package chain

import (
	"context"
	"math/big"
	"testing"
	"time"

	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/rpcpool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	result *Result
	query  Query
}

func (s *stubAdapter) Protocol() models.Protocol {
	return models.ProtocolEvm
}

func (s *stubAdapter) FindPayment(_ context.Context, q Query) (*Result, error) {
	s.query = q
	return s.result, nil
}

func newTestRouter(t *testing.T, networks ...models.Network) *Router {
	router, err := NewRouter(networks, Deps{
		Http:        newHttpClient(t),
		Pool:        rpcpool.Config{Cooldown: time.Second, HeightTtl: time.Second, CallTimeout: time.Second},
		TipCacheTtl: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(router.Close)
	return router
}

func TestRouter_MisconfiguredNetworks(t *testing.T) {
	noApi := models.Network{Code: "BTC", AssetCode: "BTC", Type: models.ProtocolUtxo, Address: btcAddress}
	noSource := models.Network{Code: "ETH", AssetCode: "ETH", Type: models.ProtocolEvm, Address: testRecipient}
	noAddress := models.Network{Code: "TRX", AssetCode: "TRX", Type: models.ProtocolTron}
	router := newTestRouter(t, noApi, noSource, noAddress)

	for _, n := range []models.Network{noApi, noSource, noAddress} {
		_, err := router.FindPayment(context.Background(), n, Query{Address: n.Address, Amount: big.NewInt(1)})
		var misconfigured *MisconfiguredError
		assert.ErrorAs(t, err, &misconfigured, n.Key())

		cursor, err := router.StartCursor(context.Background(), n)
		assert.NoError(t, err)
		assert.Nil(t, cursor)
	}
}

func TestRouter_SelectsAdapterPerNetwork(t *testing.T) {
	esplora := models.Network{Code: "BTC", AssetCode: "BTC", Type: models.ProtocolUtxo, Address: btcAddress, ApiBase: "http://localhost"}
	explorer := models.Network{Code: "ETH", AssetCode: "ETH", Type: models.ProtocolEvm, Address: testRecipient, ApiBase: "http://localhost"}
	token := models.Network{Code: "ETH", AssetCode: "USDT", Type: models.ProtocolEvm, Address: testRecipient, Contract: testContract, RpcUrls: []string{"http://localhost:8545"}}
	tron := models.Network{Code: "TRX", AssetCode: "TRX", Type: models.ProtocolTron, Address: tronAddress}
	router := newTestRouter(t, esplora, explorer, token, tron)

	assert.IsType(t, &UtxoAdapter{}, router.adapters[esplora.Key()])
	assert.IsType(t, &EvmExplorerAdapter{}, router.adapters[explorer.Key()])
	assert.IsType(t, &EvmTokenAdapter{}, router.adapters[token.Key()])
	require.IsType(t, &TronAdapter{}, router.adapters[tron.Key()])
	assert.Equal(t, defaultTronApiBase, router.adapters[tron.Key()].(*TronAdapter).network.ApiBase)

	assert.True(t, router.SupportsTxLookup(esplora))
	assert.True(t, router.SupportsTxLookup(token))
	assert.False(t, router.SupportsTxLookup(explorer))
	assert.False(t, router.SupportsTxLookup(tron))

	_, err := router.NormalizeTxId(tron, "abc")
	assert.ErrorIs(t, err, ErrLookupUnsupported)
	_, err = router.FindPaymentByTxId(context.Background(), explorer, Query{}, testTxHash)
	assert.ErrorIs(t, err, ErrLookupUnsupported)
}

func TestRouter_EnforcesConfirmationThreshold(t *testing.T) {
	n := models.Network{Code: "ETH", AssetCode: "ETH", Type: models.ProtocolEvm, Address: testRecipient, Confirmations: 12}
	stub := &stubAdapter{result: &Result{Found: true, TxId: "0xabc", Confirmations: 3}}
	router := NewRouterWithAdapters(map[string]Adapter{n.Key(): stub})

	res, err := router.FindPayment(context.Background(), n, Query{Address: testRecipient, Amount: big.NewInt(1)})
	require.NoError(t, err)
	assert.Equal(t, int64(12), stub.query.MinConfirmations)
	assert.False(t, res.Found)
	require.NotNil(t, res.Pending)
	assert.Equal(t, "0xabc", res.Pending.TxId)
}

func TestRouter_NilResultIsEmpty(t *testing.T) {
	n := models.Network{Code: "ETH", AssetCode: "ETH", Type: models.ProtocolEvm, Address: testRecipient, Confirmations: 1}
	router := NewRouterWithAdapters(map[string]Adapter{n.Key(): &stubAdapter{}})

	res, err := router.FindPayment(context.Background(), n, Query{Address: testRecipient, Amount: big.NewInt(1)})
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestSettle(t *testing.T) {
	res := settle("tx", 10, 3, 3, nil)
	assert.True(t, res.Found)

	res = settle("tx", 10, 2, 3, nil)
	assert.False(t, res.Found)
	assert.Equal(t, &models.PendingTx{TxId: "tx", BlockNumber: 10}, res.Pending)

	res = settle("tx", 0, 0, 0, nil)
	assert.False(t, res.Found)
}

func TestConfirmationsAt(t *testing.T) {
	assert.Equal(t, int64(1), confirmationsAt(100, 100))
	assert.Equal(t, int64(6), confirmationsAt(100, 95))
	assert.Equal(t, int64(0), confirmationsAt(100, 0))
	assert.Equal(t, int64(0), confirmationsAt(100, 101))
}
