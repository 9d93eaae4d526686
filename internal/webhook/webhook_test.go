package webhook

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"payswap-backend/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const inboundPayload = `{"subscriptionId":"sub-1","notificationId":"n-1","notificationType":"transactions.inbound","notification":{"id":"tx-1","blockchain":"ETH-SEPOLIA","tokenId":"979869da-9115-5f7d-917d-12d434e56ae7","walletId":"w-1","sourceAddress":"0xfrom","destinationAddress":"0xdest","transactionType":"INBOUND","state":"COMPLETE","amounts":["0.10"],"txHash":"0xhash","createDate":"2026-03-01T12:00:00Z","updateDate":"2026-03-01T12:00:05Z"},"timestamp":"2026-03-01T12:00:06Z","version":2}`

type fakeFetcher struct {
	der   []byte
	err   error
	calls int32
}

func (f *fakeFetcher) GetPublicKey(ctx context.Context, keyID string) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.der, f.err
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newSigner(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return key, der
}

func sign(t *testing.T, key *ecdsa.PrivateKey, payload []byte) string {
	t.Helper()
	digest := sha256.Sum256(payload)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func TestVerifier_AcceptsValidSignature(t *testing.T) {
	key, der := newSigner(t)
	fetcher := &fakeFetcher{der: der}
	v := NewVerifier(fetcher, NewKeyCache(), testLogger())

	payload := []byte(inboundPayload)
	sig := sign(t, key, payload)

	assert.True(t, v.Verify(context.Background(), payload, sig, "key-1"))
	assert.True(t, v.Verify(context.Background(), payload, sig, "key-1"))
	assert.EqualValues(t, 1, atomic.LoadInt32(&fetcher.calls), "key is fetched once and cached")
}

func TestVerifier_AnySingleByteFlipFails(t *testing.T) {
	key, der := newSigner(t)
	v := NewVerifier(&fakeFetcher{der: der}, nil, testLogger())

	payload := []byte(inboundPayload)
	sig := sign(t, key, payload)

	for i := range payload {
		mutated := append([]byte(nil), payload...)
		mutated[i] ^= 0x01
		assert.False(t, v.Verify(context.Background(), mutated, sig, "key-1"), "byte %d", i)
	}
}

func TestVerifier_ReserializedPayloadIsNotTheSignedBytes(t *testing.T) {
	key, der := newSigner(t)
	v := NewVerifier(&fakeFetcher{der: der}, nil, testLogger())

	payload := []byte(inboundPayload)
	sig := sign(t, key, payload)

	spaced := []byte(`{ "subscriptionId": "sub-1"` + inboundPayload[len(`{"subscriptionId":"sub-1"`):])
	assert.False(t, v.Verify(context.Background(), spaced, sig, "key-1"))
}

func TestVerifier_FailureModesReturnFalse(t *testing.T) {
	key, der := newSigner(t)
	payload := []byte(inboundPayload)
	sig := sign(t, key, payload)

	_, otherDER := newSigner(t)

	cases := []struct {
		name    string
		fetcher *fakeFetcher
		sig     string
		keyID   string
	}{
		{"fetch error", &fakeFetcher{err: errors.New("boom")}, sig, "k"},
		{"garbage key", &fakeFetcher{der: []byte("not a key")}, sig, "k"},
		{"wrong key", &fakeFetcher{der: otherDER}, sig, "k"},
		{"bad base64", &fakeFetcher{der: der}, "%%%", "k"},
		{"garbage signature", &fakeFetcher{der: der}, base64.StdEncoding.EncodeToString([]byte("sig")), "k"},
		{"missing key id", &fakeFetcher{der: der}, sig, ""},
		{"missing signature", &fakeFetcher{der: der}, "", "k"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := NewVerifier(tc.fetcher, nil, testLogger())
			assert.False(t, v.Verify(context.Background(), payload, tc.sig, tc.keyID))
		})
	}
}

func TestVerifier_FetchErrorIsNotCached(t *testing.T) {
	key, der := newSigner(t)
	fetcher := &fakeFetcher{err: errors.New("unavailable")}
	cache := NewKeyCache()
	v := NewVerifier(fetcher, cache, testLogger())

	payload := []byte(inboundPayload)
	sig := sign(t, key, payload)
	assert.False(t, v.Verify(context.Background(), payload, sig, "k"))
	assert.Equal(t, 0, cache.Len())

	fetcher.err = nil
	fetcher.der = der
	assert.True(t, v.Verify(context.Background(), payload, sig, "k"))
	assert.Equal(t, 1, cache.Len())
}

func TestVerifier_ConcurrentVerifiesShareOneFetch(t *testing.T) {
	key, der := newSigner(t)
	fetcher := &fakeFetcher{der: der}
	v := NewVerifier(fetcher, nil, testLogger())

	payload := []byte(inboundPayload)
	sig := sign(t, key, payload)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, v.Verify(context.Background(), payload, sig, "k"))
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&fetcher.calls), int32(16))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&fetcher.calls), int32(1))
}

func TestParseNotification(t *testing.T) {
	n, err := ParseNotification([]byte(inboundPayload))
	require.NoError(t, err)
	assert.Equal(t, KindTransaction, n.Kind)
	assert.True(t, n.IsInbound())
	require.NotNil(t, n.Transaction)
	assert.Equal(t, "tx-1", n.Transaction.ID)

	ping, err := ParseNotification([]byte(`{"notificationType":"webhooks.test","notification":{"hello":"world"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindTestPing, ping.Kind)
	assert.False(t, ping.IsInbound())

	other, err := ParseNotification([]byte(`{"notificationType":"wallets.created"}`))
	require.NoError(t, err)
	assert.Equal(t, KindOther, other.Kind)

	_, err = ParseNotification([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = ParseNotification([]byte(`{"notification":{}}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = ParseNotification([]byte(`{"notificationType":"transactions.inbound"}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestNormalizer_CompletedInbound(t *testing.T) {
	n, err := ParseNotification([]byte(inboundPayload))
	require.NoError(t, err)

	event := NewNormalizer(nil, nil).Normalize(n)
	require.NotNil(t, event)
	assert.Equal(t, "tx-1", event.ExternalTransactionID)
	assert.Equal(t, "0xdest", event.DestinationAddress)
	assert.Equal(t, "0xfrom", event.FromAddress)
	assert.Equal(t, "0.10", event.Amount)
	assert.Equal(t, "ETH-SEPOLIA", event.Chain)
	assert.Equal(t, models.AssetETH, event.Asset)
	assert.Equal(t, "0xhash", event.TxHash)
	assert.Equal(t, "transactions.inbound:COMPLETE", event.SourceType)
	assert.Equal(t, 5, event.Timestamp.Second())
}

func TestNormalizer_IgnoresNonTerminalAndOtherTypes(t *testing.T) {
	norm := NewNormalizer(nil, nil)

	pending, err := ParseNotification([]byte(`{"notificationType":"transactions.inbound","notification":{"id":"tx-2","state":"CONFIRMED","transactionType":"INBOUND"}}`))
	require.NoError(t, err)
	assert.Nil(t, norm.Normalize(pending))

	outbound, err := ParseNotification([]byte(`{"notificationType":"transactions.outbound","notification":{"id":"tx-3","state":"COMPLETE","transactionType":"OUTBOUND"}}`))
	require.NoError(t, err)
	assert.Nil(t, norm.Normalize(outbound))

	ping, err := ParseNotification([]byte(`{"notificationType":"webhooks.test"}`))
	require.NoError(t, err)
	assert.Nil(t, norm.Normalize(ping))
	assert.Nil(t, norm.Normalize(nil))
}

func TestNormalizer_ToleratesMissingOptionalFields(t *testing.T) {
	n, err := ParseNotification([]byte(`{"notificationType":"transactions.inbound","notification":{"id":"tx-4","state":"COMPLETE"}}`))
	require.NoError(t, err)

	event := NewNormalizer(nil, nil).Normalize(n)
	require.NotNil(t, event)
	assert.Equal(t, "", event.Amount)
	assert.Equal(t, "", event.DestinationAddress)
	assert.Equal(t, models.AssetUnknown, event.Asset)
}

func TestNormalizer_AssetTable(t *testing.T) {
	norm := NewNormalizer(
		map[string]string{"custom-eurc": "eurc", "979869da-9115-5f7d-917d-12d434e56ae7": "ETH"},
		[]string{"5797FBD6-3795-519D-84CA-EC4C5F80C3B1"},
	)

	asset, ok := norm.ResolveAsset("custom-eurc")
	assert.True(t, ok)
	assert.Equal(t, models.AssetEURC, asset)

	asset, ok = norm.ResolveAsset("5797fbd6-3795-519d-84ca-ec4c5f80c3b1")
	assert.False(t, ok, "ambiguous ids never resolve")
	assert.Equal(t, models.AssetUnknown, asset)

	asset, ok = norm.ResolveAsset("never-seen")
	assert.False(t, ok)
	assert.Equal(t, models.AssetUnknown, asset)
}
