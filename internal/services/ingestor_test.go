package services

import (
	"context"
	"testing"

	"payswap-backend/internal/clients"
	"payswap-backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngest_RecordsPaymentAndReceipt_PolicyDisabled(t *testing.T) {
	h := newHarness(t)
	h.addIdentity("alice", aliceWallet, false, 50)

	res := h.ingest(depositBody("tx-1", "0.10", aliceWallet, testChain, ethTokenID))
	require.True(t, res.Accepted)
	assert.Equal(t, ReasonRecorded, res.Reason)
	assert.False(t, res.Duplicate)

	payment, err := h.payments.GetByID(context.Background(), res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusDetected, payment.Status)
	assert.Equal(t, models.SwapStatusNotApplicable, payment.SwapStatus)
	assert.Equal(t, models.AssetETH, payment.Asset)
	assert.Equal(t, "0.10", payment.Amount)
	assert.Equal(t, "0xchain-tx-1", payment.TxHash)
	require.NotNil(t, payment.FromAddress)
	assert.NotEmpty(t, payment.RawEvent)

	receipt, err := h.receipts.FindByPaymentID(context.Background(), payment.ID)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Len(t, receipt.ReceiptPublicID, 32)
	assert.Equal(t, "alice", receipt.Handle)
	assert.Equal(t, "0.1", receipt.NormalizedAmount)
	require.NotNil(t, receipt.ExplorerURL)
	assert.Equal(t, "https://sepolia.etherscan.io/tx/0xchain-tx-1", *receipt.ExplorerURL)
	require.NotNil(t, receipt.BlobID)

	assert.EqualValues(t, 0, h.count(&models.SwapJob{}))
	assert.Contains(t, h.publisher.published(), clients.SubjectPaymentRecorded)
}

func TestIngest_DuplicateDeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.addIdentity("alice", aliceWallet, true, 50)

	body := depositBody("tx-1", "0.10", aliceWallet, testChain, ethTokenID)
	first := h.ingest(body)
	require.True(t, first.Accepted)

	payment, err := h.payments.GetByID(context.Background(), first.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapStatusQueued, payment.SwapStatus)

	second := h.ingest(body)
	require.True(t, second.Accepted)
	assert.True(t, second.Duplicate)
	assert.Equal(t, ReasonDuplicate, second.Reason)
	assert.Equal(t, first.PaymentID, second.PaymentID)

	assert.EqualValues(t, 1, h.count(&models.Payment{}))
	assert.EqualValues(t, 1, h.count(&models.Receipt{}))
	assert.EqualValues(t, 1, h.count(&models.SwapJob{}))
}

func TestIngest_ConcurrentDuplicateDeliveries(t *testing.T) {
	h := newHarness(t)
	h.addIdentity("alice", aliceWallet, true, 50)
	body := depositBody("tx-race", "0.10", aliceWallet, testChain, ethTokenID)
	sig := h.sign(body)

	results := make(chan IngestResult, 6)
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		go func() {
			res, err := h.ingestor.Ingest(context.Background(), body, sig, "key-1")
			results <- res
			errs <- err
		}()
	}
	for i := 0; i < 6; i++ {
		assert.NoError(t, <-errs)
		assert.True(t, (<-results).Accepted)
	}

	assert.EqualValues(t, 1, h.count(&models.Payment{}))
	assert.EqualValues(t, 1, h.count(&models.Receipt{}))
	assert.EqualValues(t, 1, h.count(&models.SwapJob{}))
}

func TestIngest_RejectsBadSignatureWithoutWriting(t *testing.T) {
	h := newHarness(t)
	h.addIdentity("alice", aliceWallet, true, 50)

	body := depositBody("tx-1", "0.10", aliceWallet, testChain, ethTokenID)
	sig := h.sign(body)
	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-3] ^= 0x01

	res, err := h.ingestor.Ingest(context.Background(), tampered, sig, "key-1")
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.True(t, res.Rejected())
	assert.Equal(t, ReasonInvalidSignature, res.Reason)
	assert.EqualValues(t, 0, h.count(&models.Payment{}))
}

func TestIngest_MalformedPayloadIsRejected(t *testing.T) {
	h := newHarness(t)
	res := h.ingest([]byte(`{"broken":`))
	assert.True(t, res.Rejected())
	assert.Equal(t, ReasonMalformedPayload, res.Reason)
}

func TestIngest_DropsOutOfScopeEvents(t *testing.T) {
	h := newHarness(t)
	h.addIdentity("alice", aliceWallet, true, 50)

	cases := []struct {
		name   string
		body   []byte
		reason string
	}{
		{"unsupported chain", depositBody("tx-a", "0.10", aliceWallet, "MATIC-AMOY", ethTokenID), ReasonUnsupportedChain},
		{"unknown recipient", depositBody("tx-b", "0.10", "0x00000000000000000000000000000000000000EE", testChain, ethTokenID), ReasonRecipientNotFound},
		{"zero amount", depositBody("tx-c", "0", aliceWallet, testChain, ethTokenID), ReasonMalformedEvent},
		{"missing destination", depositBody("tx-d", "0.10", "", testChain, ethTokenID), ReasonMalformedEvent},
		{"pending state", []byte(`{"notificationType":"transactions.inbound","notification":{"id":"tx-e","state":"CONFIRMED"}}`), ReasonNotADeposit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := h.ingest(tc.body)
			assert.False(t, res.Accepted)
			assert.False(t, res.Rejected())
			assert.Equal(t, tc.reason, res.Reason)
		})
	}
	assert.EqualValues(t, 0, h.count(&models.Payment{}))
}

func TestIngest_TestPingIsAcceptedWithoutRecording(t *testing.T) {
	h := newHarness(t)
	res := h.ingest([]byte(`{"notificationType":"webhooks.test","notification":{"hello":"world"}}`))
	assert.True(t, res.Accepted)
	assert.Equal(t, ReasonTestNotification, res.Reason)
	assert.EqualValues(t, 0, h.count(&models.Payment{}))
}

func TestIngest_UnknownTokenStillRecorded(t *testing.T) {
	h := newHarness(t)
	h.addIdentity("alice", aliceWallet, true, 50)

	res := h.ingest(depositBody("tx-u", "5", aliceWallet, testChain, "not-in-table"))
	require.True(t, res.Accepted)

	payment, err := h.payments.GetByID(context.Background(), res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.AssetUnknown, payment.Asset)
	assert.Equal(t, models.SwapStatusNotApplicable, payment.SwapStatus)
}

func TestIngest_MirrorFailureKeepsReceipt(t *testing.T) {
	h := newHarness(t)
	h.addIdentity("alice", aliceWallet, false, 50)
	h.blobs.fail = true

	res := h.ingest(depositBody("tx-m", "0.10", aliceWallet, testChain, ethTokenID))
	require.True(t, res.Accepted)

	receipt, err := h.receipts.FindByPaymentID(context.Background(), res.PaymentID)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Nil(t, receipt.BlobID)
	assert.Nil(t, receipt.Hash)
}

func TestLookup_PaymentsAndReceipt(t *testing.T) {
	h := newHarness(t)
	h.addIdentity("alice", aliceWallet, false, 50)
	res := h.ingest(depositBody("tx-l", "0.10", aliceWallet, testChain, ethTokenID))
	require.True(t, res.Accepted)

	payments, err := h.lookup.GetPaymentsByHandle(context.Background(), "Alice")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, res.PaymentID, payments[0].ID)

	_, err = h.lookup.GetPaymentsByHandle(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrHandleNotFound)

	receipt, err := h.receipts.FindByPaymentID(context.Background(), res.PaymentID)
	require.NoError(t, err)
	view, err := h.lookup.GetReceiptByPublicID(context.Background(), receipt.ReceiptPublicID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapStatusNotApplicable, view.SwapStatus)
	assert.Equal(t, "https://agg/v1/blobs/blob-1", view.BlobURL)

	_, err = h.lookup.GetReceiptByPublicID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrReceiptNotFound)
}
