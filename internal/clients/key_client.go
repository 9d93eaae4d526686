package clients

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"payswap-backend/internal/config"
)

// KeyClient fetches notification signing keys from the vendor's
// key-distribution endpoint.
type KeyClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type publicKeyResponse struct {
	Data struct {
		ID         string `json:"id"`
		Algorithm  string `json:"algorithm"`
		PublicKey  string `json:"publicKey"` // base64 DER (SPKI)
		CreateDate string `json:"createDate"`
	} `json:"data"`
}

func NewKeyClient(cfg config.WebhookConfig) *KeyClient {
	return &KeyClient{
		baseURL: strings.TrimRight(cfg.PublicKeyURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeoutOrDefault(cfg.Timeout, 10*time.Second),
		},
	}
}

// GetPublicKey returns the DER bytes of the key named keyID.
func (c *KeyClient) GetPublicKey(ctx context.Context, keyID string) ([]byte, error) {
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}

	var resp publicKeyResponse
	if err := doJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+"/"+url.PathEscape(keyID), headers, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch public key %s: %w", keyID, err)
	}
	if resp.Data.PublicKey == "" {
		return nil, fmt.Errorf("public key %s: empty key in response", keyID)
	}
	der, err := base64.StdEncoding.DecodeString(resp.Data.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("public key %s is not base64: %w", keyID, err)
	}
	return der, nil
}
