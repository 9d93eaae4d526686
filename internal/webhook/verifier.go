package webhook

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"payswap-backend/internal/metrics"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// KeyFetcher returns the DER (SPKI) encoded public key for a key id.
type KeyFetcher interface {
	GetPublicKey(ctx context.Context, keyID string) ([]byte, error)
}

// Verifier checks notification signatures over the exact bytes received.
type Verifier struct {
	fetcher KeyFetcher
	cache   *KeyCache
	group   singleflight.Group
	log     *logrus.Entry
}

func NewVerifier(fetcher KeyFetcher, cache *KeyCache, log *logrus.Logger) *Verifier {
	if cache == nil {
		cache = NewKeyCache()
	}
	return &Verifier{
		fetcher: fetcher,
		cache:   cache,
		log:     log.WithField("component", "webhook_verifier"),
	}
}

// Verify reports whether signatureB64 is a valid ECDSA/SHA-256 signature of
// payload under the key named by keyID. Every failure mode returns false.
func (v *Verifier) Verify(ctx context.Context, payload []byte, signatureB64, keyID string) bool {
	if signatureB64 == "" || keyID == "" {
		v.log.Warn("⚠️ [Webhook] Missing signature or key id")
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		v.log.WithError(err).Warn("⚠️ [Webhook] Signature is not valid base64")
		return false
	}

	key, err := v.publicKey(ctx, keyID)
	if err != nil {
		v.log.WithError(err).WithField("key_id", keyID).Warn("⚠️ [Webhook] Failed to obtain public key")
		return false
	}

	digest := sha256.Sum256(payload)
	return ecdsa.VerifyASN1(key, digest[:], sig)
}

func (v *Verifier) publicKey(ctx context.Context, keyID string) (*ecdsa.PublicKey, error) {
	if key, ok := v.cache.Get(keyID); ok {
		metrics.WebhookKeyFetches.WithLabelValues("cache_hit").Inc()
		return key, nil
	}

	result, err, _ := v.group.Do(keyID, func() (interface{}, error) {
		if key, ok := v.cache.Get(keyID); ok {
			return key, nil
		}
		der, err := v.fetcher.GetPublicKey(ctx, keyID)
		if err != nil {
			metrics.WebhookKeyFetches.WithLabelValues("error").Inc()
			return nil, err
		}
		key, err := ParsePublicKey(der)
		if err != nil {
			metrics.WebhookKeyFetches.WithLabelValues("invalid").Inc()
			return nil, err
		}
		v.cache.Put(keyID, key)
		metrics.WebhookKeyFetches.WithLabelValues("fetched").Inc()
		v.log.WithField("key_id", keyID).Info("🔑 [Webhook] Cached notification public key")
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*ecdsa.PublicKey), nil
}

// ParsePublicKey decodes an SPKI DER public key and insists on ECDSA.
func ParsePublicKey(der []byte) (*ecdsa.PublicKey, error) {
	if len(der) == 0 {
		return nil, errors.New("empty public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want ECDSA", parsed)
	}
	return key, nil
}
