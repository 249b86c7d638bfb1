// Package gcs adapts Google Cloud Storage's JSON API to storage.ObjectStore.
package gcs

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/angelmondragon/filepipe-backend/pkg/config"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/storage"
)

const (
	defaultEndpoint = "https://storage.googleapis.com"
	tokenEndpoint   = "https://oauth2.googleapis.com/token"
	scope           = "https://www.googleapis.com/auth/devstorage.read_write"
	pingTimeout     = 5 * time.Second
	metadataToken   = "http://metadata.google.internal/computeMetadata/v1/instance/service-accounts/default/token"
)

type tokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Client talks to the GCS JSON API with a bearer token from a service
// account key or the instance metadata server.
type Client struct {
	httpClient *http.Client
	endpoint   string
	tokens     tokenProvider
	logg       *logger.Logger
}

var _ storage.ObjectStore = (*Client)(nil)

func closeBody(ctx context.Context, logg *logger.Logger, body io.Closer, msg string) {
	if body == nil {
		return
	}
	if err := body.Close(); err != nil && logg != nil {
		logg.Warn(ctx, msg)
	}
}

func NewClient(ctx context.Context, cfg config.StorageConfig, logg *logger.Logger) (*Client, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	var ts *tokenSource
	var err error
	switch {
	case cfg.GCSCredentialsJSON != "":
		ts, err = newServiceAccountTokenSource(httpClient, cfg.GCSCredentialsJSON)
	case cfg.GCSCredentialsFile != "":
		bytes, readErr := os.ReadFile(cfg.GCSCredentialsFile)
		if readErr != nil {
			return nil, fmt.Errorf("reading credentials file: %w", readErr)
		}
		ts, err = newServiceAccountTokenSource(httpClient, string(bytes))
	default:
		ts = newMetadataTokenSource(httpClient)
	}
	if err != nil {
		return nil, err
	}

	client := newClient(httpClient, cfg.GCSEndpoint, ts, logg)
	if logg != nil {
		logg.Info(logg.WithField(ctx, "storage_endpoint", client.endpoint), "gcs client initialized")
	}
	return client, nil
}

func newClient(httpClient *http.Client, endpoint string, tokens tokenProvider, logg *logger.Logger) *Client {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Client{
		httpClient: httpClient,
		endpoint:   strings.TrimRight(endpoint, "/"),
		tokens:     tokens,
		logg:       logg,
	}
}

type objectResource struct {
	Name        string    `json:"name"`
	Bucket      string    `json:"bucket"`
	Size        string    `json:"size"`
	ContentType string    `json:"contentType"`
	ETag        string    `json:"etag"`
	Updated     time.Time `json:"updated"`
}

func (c *Client) Stat(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.objectURL(bucket, key, nil), nil)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("%s/%s: %w", bucket, key, err)
	}
	defer closeBody(ctx, c.logg, resp.Body, "gcs: closing stat body failed")

	if err := checkStatus(resp, bucket, key, http.StatusOK); err != nil {
		return storage.ObjectInfo{}, err
	}
	var obj objectResource
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("decode object metadata: %w", err)
	}
	size, err := strconv.ParseInt(obj.Size, 10, 64)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("object size %q: %w", obj.Size, err)
	}
	return storage.ObjectInfo{
		Bucket:       bucket,
		Key:          obj.Name,
		Size:         size,
		ContentType:  obj.ContentType,
		ETag:         obj.ETag,
		LastModified: obj.Updated.UTC(),
	}, nil
}

func (c *Client) ReadHead(ctx context.Context, bucket, key string, n int64) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.objectURL(bucket, key, url.Values{"alt": {"media"}}), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", n-1))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, err)
	}
	defer closeBody(ctx, c.logg, resp.Body, "gcs: closing media body failed")

	// An empty object cannot satisfy any range.
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return nil, nil
	}
	if err := checkStatus(resp, bucket, key, http.StatusOK, http.StatusPartialContent); err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(resp.Body, n))
}

func (c *Client) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if body == nil {
		body = strings.NewReader("")
	}
	u := fmt.Sprintf("%s/upload/storage/v1/b/%s/o?%s", c.endpoint, url.PathEscape(bucket), url.Values{
		"uploadType": {"media"},
		"name":       {key},
	}.Encode())
	req, err := c.newRequest(ctx, http.MethodPost, u, body)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	if size >= 0 {
		req.ContentLength = size
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s/%s: %w", bucket, key, err)
	}
	defer closeBody(ctx, c.logg, resp.Body, "gcs: closing upload body failed")
	return checkStatus(resp, bucket, key, http.StatusOK)
}

// Ping proves the credentials by minting a token.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.tokens == nil {
		return errors.New("gcs client not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := c.tokens.Token(ctx); err != nil {
		return fmt.Errorf("gcs token: %w", err)
	}
	return nil
}

func (c *Client) objectURL(bucket, key string, query url.Values) string {
	u := fmt.Sprintf("%s/storage/v1/b/%s/o/%s", c.endpoint, url.PathEscape(bucket), url.PathEscape(key))
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

func checkStatus(resp *http.Response, bucket, key string, ok ...int) error {
	for _, code := range ok {
		if resp.StatusCode == code {
			return nil
		}
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s/%s: %w", bucket, key, storage.ErrObjectNotFound)
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if len(b) > 0 {
		return fmt.Errorf("%s/%s: gcs returned %s: %s", bucket, key, resp.Status, strings.TrimSpace(string(b)))
	}
	return fmt.Errorf("%s/%s: gcs returned %s", bucket, key, resp.Status)
}

type tokenSource struct {
	mu     sync.Mutex
	token  string
	expiry time.Time
	fetch  func(context.Context) (string, time.Time, error)
}

func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && time.Until(t.expiry) > time.Minute {
		return t.token, nil
	}

	token, expiry, err := t.fetch(ctx)
	if err != nil {
		return "", err
	}
	t.token = token
	t.expiry = expiry
	return token, nil
}

func newServiceAccountTokenSource(client *http.Client, jsonCreds string) (*tokenSource, error) {
	var creds struct {
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
		TokenURI    string `json:"token_uri"`
	}
	if err := json.Unmarshal([]byte(jsonCreds), &creds); err != nil {
		return nil, fmt.Errorf("parsing service account credentials: %w", err)
	}
	if creds.ClientEmail == "" || creds.PrivateKey == "" {
		return nil, errors.New("invalid service account credentials")
	}
	tokenURI := creds.TokenURI
	if tokenURI == "" {
		tokenURI = tokenEndpoint
	}
	priv, err := parsePrivateKey(creds.PrivateKey)
	if err != nil {
		return nil, err
	}

	return &tokenSource{
		fetch: func(ctx context.Context) (string, time.Time, error) {
			return fetchServiceAccountToken(ctx, client, creds.ClientEmail, priv, tokenURI)
		},
	}, nil
}

func newMetadataTokenSource(client *http.Client) *tokenSource {
	return &tokenSource{
		fetch: func(ctx context.Context) (string, time.Time, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataToken, nil)
			if err != nil {
				return "", time.Time{}, err
			}
			req.Header.Set("Metadata-Flavor", "Google")
			return doTokenRequest(ctx, client, req)
		},
	}
}

func fetchServiceAccountToken(ctx context.Context, client *http.Client, email string, key *rsa.PrivateKey, tokenURI string) (string, time.Time, error) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	now := time.Now()
	claims := map[string]any{
		"iss":   email,
		"scope": scope,
		"aud":   tokenURI,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
	}
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	unsigned := header + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature, err := signJWT(unsigned, key)
	if err != nil {
		return "", time.Time{}, err
	}
	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", unsigned+"."+signature)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return doTokenRequest(ctx, client, req)
}

func doTokenRequest(ctx context.Context, client *http.Client, req *http.Request) (string, time.Time, error) {
	resp, err := client.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer closeBody(ctx, nil, resp.Body, "gcs: closing token body failed")

	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("token request returned %s", resp.Status)
	}
	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", time.Time{}, err
	}
	return tokenResp.AccessToken, time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second), nil
}

func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		if priv, ok := key.(*rsa.PrivateKey); ok {
			return priv, nil
		}
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.New("unsupported private key format")
	}
	return priv, nil
}

func signJWT(unsigned string, key *rsa.PrivateKey) (string, error) {
	hash := sha256.Sum256([]byte(unsigned))
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hash[:])
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(signature), nil
}
