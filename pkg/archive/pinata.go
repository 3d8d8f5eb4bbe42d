package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultPinataEndpoint = "https://api.pinata.cloud/pinning/pinJSONToIPFS"
	DefaultPinataGateway  = "https://gateway.pinata.cloud"

	// PlaceholderCredential marks a slot seeded at startup that still needs
	// real credentials.
	PlaceholderCredential = "CONFIGURE_VIA_API"
)

type Credentials struct {
	APIKey    string
	APISecret string
	JWT       string
}

func (c Credentials) usable() bool {
	for _, v := range []string{c.APIKey, c.APISecret, c.JWT} {
		if strings.TrimSpace(v) == "" || v == PlaceholderCredential {
			return false
		}
	}
	return true
}

// CredentialsFunc is consulted on every pin so rotated credentials take
// effect without a restart.
type CredentialsFunc func() (Credentials, error)

type PinataConfig struct {
	Endpoint    string
	Gateway     string
	Credentials CredentialsFunc
	HTTPClient  *http.Client
}

// PinataClient pins JSON through the Pinata API and reads content back
// through a public IPFS gateway.
type PinataClient struct {
	endpoint    string
	gateway     string
	credentials CredentialsFunc
	httpClient  *http.Client
}

func NewPinataClient(cfg PinataConfig) *PinataClient {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultPinataEndpoint
	}
	gateway := strings.TrimRight(strings.TrimSpace(cfg.Gateway), "/")
	if gateway == "" {
		gateway = DefaultPinataGateway
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &PinataClient{
		endpoint:    endpoint,
		gateway:     gateway,
		credentials: cfg.Credentials,
		httpClient:  client,
	}
}

type pinRequest struct {
	Options  pinOptions  `json:"pinataOptions"`
	Metadata pinMetadata `json:"pinataMetadata"`
	Content  any         `json:"pinataContent"`
}

type pinOptions struct {
	CIDVersion int `json:"cidVersion"`
}

type pinMetadata struct {
	Name string `json:"name"`
}

type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
}

func (c *PinataClient) Pin(ctx context.Context, name string, payload any) (string, error) {
	if c.credentials == nil {
		return "", ErrNotConfigured
	}
	creds, err := c.credentials()
	if err != nil {
		return "", fmt.Errorf("load credentials: %w", err)
	}
	if !creds.usable() {
		return "", ErrNotConfigured
	}
	body, err := json.Marshal(pinRequest{
		Options:  pinOptions{CIDVersion: 1},
		Metadata: pinMetadata{Name: name},
		Content:  payload,
	})
	if err != nil {
		return "", fmt.Errorf("encode pin request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build pin request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.JWT)
	req.Header.Set("pinata_api_key", creds.APIKey)
	req.Header.Set("pinata_secret_api_key", creds.APISecret)

	raw, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("pin %s: %w", name, err)
	}
	var parsed pinResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("pin %s: decode response: %w", name, err)
	}
	if parsed.IpfsHash == "" {
		return "", fmt.Errorf("pin %s: response missing IpfsHash", name)
	}
	return parsed.IpfsHash, nil
}

func (c *PinataClient) Retrieve(ctx context.Context, cid string) ([]byte, error) {
	cid = strings.TrimSpace(cid)
	if cid == "" || strings.ContainsAny(cid, "/?#") {
		return nil, fmt.Errorf("invalid content identifier %q", cid)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gateway+"/ipfs/"+url.PathEscape(cid), nil)
	if err != nil {
		return nil, fmt.Errorf("build retrieve request: %w", err)
	}
	raw, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieve %s: %w", cid, err)
	}
	return raw, nil
}

func (c *PinataClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}
