package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/rpcpool/rpctest"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSignature() solana.Signature {
	var sig solana.Signature
	for i := range sig {
		sig[i] = byte(i + 1)
	}
	return sig
}

func solanaNetwork() models.Network {
	return models.Network{Code: "SOL", AssetCode: "SOL", Type: models.ProtocolSolana, Address: solana.SystemProgramID.String(), Confirmations: 1}
}

func statusServer(t *testing.T, status map[string]any) *rpctest.Server {
	srv := rpctest.NewServer(func(method string, _ []json.RawMessage) (any, *rpctest.Error) {
		if method != "getSignatureStatuses" {
			return nil, &rpctest.Error{Code: -32601, Message: "method not found"}
		}
		value := []any{nil}
		if status != nil {
			value = []any{status}
		}
		return map[string]any{"context": map[string]any{"slot": 500}, "value": value}, nil
	})
	t.Cleanup(srv.Close)
	return srv
}

func TestSolana_PendingFinalized(t *testing.T) {
	srv := statusServer(t, map[string]any{"slot": 420, "confirmations": nil, "err": nil, "confirmationStatus": "finalized"})
	adapter, err := NewSolanaAdapter(solanaNetwork(), srv.URL, time.Second)
	require.NoError(t, err)

	sig := testSignature().String()
	res, err := adapter.FindPayment(context.Background(), Query{
		Amount:           big.NewInt(1),
		MinConfirmations: 5,
		Cursor:           uint64Ptr(430),
		Pending:          &models.PendingTx{TxId: sig, BlockNumber: 420},
	})
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, sig, res.TxId)
	assert.Equal(t, int64(5), res.Confirmations)
	assert.Equal(t, uint64(430), *res.NextCursor)
}

func TestSolana_PendingStillConfirming(t *testing.T) {
	srv := statusServer(t, map[string]any{"slot": 420, "confirmations": 2, "err": nil, "confirmationStatus": "confirmed"})
	adapter, err := NewSolanaAdapter(solanaNetwork(), srv.URL, time.Second)
	require.NoError(t, err)

	sig := testSignature().String()
	res, err := adapter.FindPayment(context.Background(), Query{
		Amount:           big.NewInt(1),
		MinConfirmations: 5,
		Pending:          &models.PendingTx{TxId: sig, BlockNumber: 420},
	})
	require.NoError(t, err)
	assert.False(t, res.Found)
	require.NotNil(t, res.Pending)
	assert.Equal(t, sig, res.Pending.TxId)
}

func TestSolana_PendingUnknownIsDropped(t *testing.T) {
	srv := statusServer(t, nil)
	adapter, err := NewSolanaAdapter(solanaNetwork(), srv.URL, time.Second)
	require.NoError(t, err)

	res, err := adapter.FindPayment(context.Background(), Query{
		Amount:           big.NewInt(1),
		MinConfirmations: 1,
		Pending:          &models.PendingTx{TxId: testSignature().String(), BlockNumber: 420},
	})
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Nil(t, res.Pending)
}

func TestSolana_NormalizeTxId(t *testing.T) {
	adapter, err := NewSolanaAdapter(solanaNetwork(), "http://localhost:8899", time.Second)
	require.NoError(t, err)

	sig := testSignature().String()
	got, err := adapter.NormalizeTxId("  " + sig + " ")
	require.NoError(t, err)
	assert.Equal(t, sig, got)

	_, err = adapter.NormalizeTxId("0OIl")
	assert.ErrorIs(t, err, ErrInvalidTxId)
}

func TestSolana_InvalidAddressIsMisconfigured(t *testing.T) {
	n := solanaNetwork()
	n.Address = "0x1234"
	_, err := NewSolanaAdapter(n, "http://localhost:8899", time.Second)
	var misconfigured *MisconfiguredError
	assert.ErrorAs(t, err, &misconfigured)
}

type solanaTransfer struct {
	sig       solana.Signature
	slot      uint64
	blockTime int64
	failed    bool
	lamports  uint64
}

func signatureN(n byte) solana.Signature {
	var sig solana.Signature
	for i := range sig {
		sig[i] = n
	}
	return sig
}

func encodeTransaction(t *testing.T, sig solana.Signature, recipient solana.PublicKey) string {
	tx := &solana.Transaction{
		Signatures: []solana.Signature{sig},
		Message: solana.Message{
			Header:      solana.MessageHeader{NumRequiredSignatures: 1},
			AccountKeys: solana.PublicKeySlice{solana.TokenProgramID, recipient},
		},
	}
	data, err := tx.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(data)
}

// scanServer answers the signature listing, transaction and status calls of a scan
func scanServer(t *testing.T, transfers []solanaTransfer) *rpctest.Server {
	recipient := solana.MustPublicKeyFromBase58(solanaNetwork().Address)
	bySig := make(map[string]solanaTransfer, len(transfers))
	for _, tr := range transfers {
		bySig[tr.sig.String()] = tr
	}

	srv := rpctest.NewServer(func(method string, params []json.RawMessage) (any, *rpctest.Error) {
		switch method {
		case "getSignaturesForAddress":
			list := make([]map[string]any, 0, len(transfers))
			for _, tr := range transfers {
				var txErr any
				if tr.failed {
					txErr = map[string]any{"InstructionError": []any{0, "InvalidAccountData"}}
				}
				list = append(list, map[string]any{
					"signature":          tr.sig.String(),
					"slot":               tr.slot,
					"blockTime":          tr.blockTime,
					"err":                txErr,
					"confirmationStatus": "finalized",
				})
			}
			return list, nil

		case "getTransaction":
			var sig string
			require.NoError(t, json.Unmarshal(params[0], &sig))
			tr, ok := bySig[sig]
			if !ok {
				return nil, nil
			}
			return map[string]any{
				"slot":        tr.slot,
				"blockTime":   tr.blockTime,
				"transaction": []string{encodeTransaction(t, tr.sig, recipient), "base64"},
				"meta": map[string]any{
					"err":          nil,
					"fee":          5000,
					"preBalances":  []uint64{10_000_000, 1_000},
					"postBalances": []uint64{10_000_000 - tr.lamports - 5000, 1_000 + tr.lamports},
				},
				"version": "legacy",
			}, nil

		case "getSignatureStatuses":
			status := map[string]any{"slot": 440, "confirmations": nil, "err": nil, "confirmationStatus": "finalized"}
			return map[string]any{"context": map[string]any{"slot": 500}, "value": []any{status}}, nil
		}
		return nil, &rpctest.Error{Code: -32601, Message: "method not found"}
	})
	t.Cleanup(srv.Close)
	return srv
}

func TestSolana_ScanMatchesExactBalanceChange(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	match := signatureN(3)
	srv := scanServer(t, []solanaTransfer{
		{sig: signatureN(1), slot: 460, blockTime: now.Unix(), failed: true, lamports: 1_000_000},
		{sig: signatureN(2), slot: 450, blockTime: now.Unix(), lamports: 999_999},
		{sig: match, slot: 440, blockTime: now.Unix(), lamports: 1_000_000},
	})
	adapter, err := NewSolanaAdapter(solanaNetwork(), srv.URL, time.Second)
	require.NoError(t, err)

	res, err := adapter.FindPayment(context.Background(), Query{
		Amount:           big.NewInt(1_000_000),
		MinConfirmations: 1,
		Cursor:           uint64Ptr(400),
		CreatedAt:        now.Add(-time.Minute),
	})
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, match.String(), res.TxId)
	assert.Equal(t, SolanaDetail{Slot: 440}, res.Detail)
	// the failed signature still moves the cursor
	assert.Equal(t, uint64(460), *res.NextCursor)
	assert.Equal(t, 2, srv.Calls("getTransaction"))
}

func TestSolana_ScanSkipsSeenAndNonMatching(t *testing.T) {
	srv := scanServer(t, []solanaTransfer{
		{sig: signatureN(2), slot: 450, lamports: 7},
		{sig: signatureN(3), slot: 440, lamports: 1_000_000},
	})
	adapter, err := NewSolanaAdapter(solanaNetwork(), srv.URL, time.Second)
	require.NoError(t, err)

	res, err := adapter.FindPayment(context.Background(), Query{
		Amount:           big.NewInt(1_000_000),
		MinConfirmations: 1,
		Cursor:           uint64Ptr(440),
	})
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, uint64(450), *res.NextCursor)
	assert.Equal(t, 1, srv.Calls("getTransaction"))
}

func TestSolana_ScanIgnoresTransfersBeforeInvoice(t *testing.T) {
	created := time.Unix(1_700_000_000, 0)
	srv := scanServer(t, []solanaTransfer{
		{sig: signatureN(3), slot: 440, blockTime: created.Add(-time.Hour).Unix(), lamports: 1_000_000},
	})
	adapter, err := NewSolanaAdapter(solanaNetwork(), srv.URL, time.Second)
	require.NoError(t, err)

	res, err := adapter.FindPayment(context.Background(), Query{
		Amount:           big.NewInt(1_000_000),
		MinConfirmations: 1,
		CreatedAt:        created,
	})
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, uint64(440), *res.NextCursor)
	assert.Equal(t, 0, srv.Calls("getTransaction"))
}
