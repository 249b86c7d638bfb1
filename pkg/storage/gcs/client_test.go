package gcs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/storage"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return newClient(srv.Client(), srv.URL, staticToken("tok"), logger.Nop())
}

func TestStatDecodesObjectResource(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "/storage/v1/b/uploads/o/F1%2Foriginal.png", r.URL.EscapedPath())
		_, _ = io.WriteString(w, `{"name":"F1/original.png","bucket":"uploads","size":"42","contentType":"image/png","etag":"abc","updated":"2026-03-04T10:00:00Z"}`)
	})

	info, err := client.Stat(context.Background(), "uploads", "F1/original.png")
	require.NoError(t, err)
	require.Equal(t, storage.ObjectInfo{
		Bucket:       "uploads",
		Key:          "F1/original.png",
		Size:         42,
		ContentType:  "image/png",
		ETag:         "abc",
		LastModified: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
	}, info)
}

func TestStatMapsNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":404}}`, http.StatusNotFound)
	})
	_, err := client.Stat(context.Background(), "uploads", "missing")
	require.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestReadHeadSendsRange(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "media", r.URL.Query().Get("alt"))
		require.Equal(t, "bytes=0-3", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = io.WriteString(w, "\x89PNG")
	})
	head, err := client.ReadHead(context.Background(), "uploads", "F1/original.png", 4)
	require.NoError(t, err)
	require.Equal(t, []byte("\x89PNG"), head)
}

func TestReadHeadOfEmptyObject(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	})
	head, err := client.ReadHead(context.Background(), "uploads", "empty", 16)
	require.NoError(t, err)
	require.Empty(t, head)
}

func TestPutUploadsMedia(t *testing.T) {
	var body string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/upload/storage/v1/b/thumbs/o", r.URL.Path)
		require.Equal(t, "media", r.URL.Query().Get("uploadType"))
		require.Equal(t, "F1/thumb.png", r.URL.Query().Get("name"))
		require.Equal(t, "image/png", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		_, _ = io.WriteString(w, `{}`)
	})
	err := client.Put(context.Background(), "thumbs", "F1/thumb.png", strings.NewReader("data"), 4, "image/png")
	require.NoError(t, err)
	require.Equal(t, "data", body)
}

func TestPutSurfacesServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	})
	err := client.Put(context.Background(), "thumbs", "k", strings.NewReader("x"), 1, "")
	require.ErrorContains(t, err, "quota exceeded")
}

func TestTokenSourceCachesUntilExpiry(t *testing.T) {
	calls := 0
	ts := &tokenSource{fetch: func(context.Context) (string, time.Time, error) {
		calls++
		return "t1", time.Now().Add(time.Hour), nil
	}}
	for i := 0; i < 3; i++ {
		tok, err := ts.Token(context.Background())
		require.NoError(t, err)
		require.Equal(t, "t1", tok)
	}
	require.Equal(t, 1, calls)
}

func TestPingReportsTokenFailure(t *testing.T) {
	client := newClient(http.DefaultClient, "", &tokenSource{fetch: func(context.Context) (string, time.Time, error) {
		return "", time.Time{}, errors.New("metadata unreachable")
	}}, nil)
	require.ErrorContains(t, client.Ping(context.Background()), "metadata unreachable")
}

func TestParsePrivateKeyFormats(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	parsed, err := parsePrivateKey(string(pkcs1))
	require.NoError(t, err)
	require.True(t, key.Equal(parsed))

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	parsed, err = parsePrivateKey(string(pkcs8))
	require.NoError(t, err)
	require.True(t, key.Equal(parsed))

	_, err = parsePrivateKey("not a key")
	require.Error(t, err)
}

func TestNewServiceAccountTokenSourceRejectsIncompleteCredentials(t *testing.T) {
	_, err := newServiceAccountTokenSource(http.DefaultClient, `{"client_email":"svc@example.com"}`)
	require.Error(t, err)
}
