package clients

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"payswap-backend/internal/config"
	"payswap-backend/internal/metrics"

	"github.com/sirupsen/logrus"
)

// ErrBlobStoreDisabled is returned by Put when mirroring is switched off.
var ErrBlobStoreDisabled = errors.New("blob store disabled")

// BlobRef identifies a stored document.
type BlobRef struct {
	BlobID      string
	ContentHash string
}

// BlobClient stores receipt documents in a content-addressed blob store.
// A store that keeps failing is skipped for a cooldown, so a dead store
// costs nothing per receipt.
type BlobClient struct {
	enabled       bool
	publisherURL  string
	aggregatorURL string
	epochs        int
	httpClient    *http.Client
	guard         *mirrorGuard
}

type storeResponse struct {
	NewlyCreated *struct {
		BlobObject struct {
			BlobID string `json:"blobId"`
		} `json:"blobObject"`
	} `json:"newlyCreated"`
	AlreadyCertified *struct {
		BlobID string `json:"blobId"`
	} `json:"alreadyCertified"`
}

func NewBlobClient(cfg config.BlobStoreConfig, log *logrus.Logger) *BlobClient {
	epochs := cfg.Epochs
	if epochs <= 0 {
		epochs = 1
	}
	return &BlobClient{
		enabled:       cfg.Enabled && cfg.PublisherURL != "",
		publisherURL:  strings.TrimRight(cfg.PublisherURL, "/"),
		aggregatorURL: strings.TrimRight(cfg.AggregatorURL, "/"),
		epochs:        epochs,
		httpClient: &http.Client{
			Timeout: timeoutOrDefault(cfg.Timeout, 10*time.Second),
		},
		guard: newMirrorGuard(log.WithField("component", "blob_store")),
	}
}

func (c *BlobClient) Enabled() bool {
	return c.enabled
}

// Put stores document and returns its blob id plus the sha256 of the
// exact bytes stored. epochs overrides the configured retention when > 0.
func (c *BlobClient) Put(ctx context.Context, document []byte, epochs int) (*BlobRef, error) {
	if !c.enabled {
		return nil, ErrBlobStoreDisabled
	}
	trial, err := c.guard.acquire()
	if err != nil {
		metrics.ReceiptMirror.WithLabelValues("suspended").Inc()
		return nil, err
	}

	ref, err := c.put(ctx, document, epochs)
	c.guard.release(trial, ctx.Err() == nil, err)
	if err != nil {
		return nil, err
	}
	return ref, nil
}

func (c *BlobClient) put(ctx context.Context, document []byte, epochs int) (*BlobRef, error) {
	if epochs <= 0 {
		epochs = c.epochs
	}
	endpoint := fmt.Sprintf("%s/v1/blobs?epochs=%s", c.publisherURL, url.QueryEscape(strconv.Itoa(epochs)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(document))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob store put: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("blob store read: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var parsed storeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("blob store response: %w", err)
	}

	var blobID string
	switch {
	case parsed.NewlyCreated != nil:
		blobID = parsed.NewlyCreated.BlobObject.BlobID
	case parsed.AlreadyCertified != nil:
		blobID = parsed.AlreadyCertified.BlobID
	}
	if blobID == "" {
		return nil, errors.New("blob store response carried no blob id")
	}

	sum := sha256.Sum256(document)
	return &BlobRef{BlobID: blobID, ContentHash: hex.EncodeToString(sum[:])}, nil
}

// URL returns the public read URL for blobID, or "" without an aggregator.
func (c *BlobClient) URL(blobID string) string {
	if c.aggregatorURL == "" || blobID == "" {
		return ""
	}
	return c.aggregatorURL + "/v1/blobs/" + url.PathEscape(blobID)
}
