package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/server/config"
	"relay/internal/server/database"
	"relay/internal/server/handoff"
	"relay/internal/server/service"
)

// memStore is an in-memory service.RecordStore with the same conditional
// increment semantics as the SQL repository.
type memStore struct {
	mu     sync.Mutex
	byHash map[string]*database.Share
}

func newMemStore() *memStore {
	return &memStore{byHash: make(map[string]*database.Share)}
}

func (m *memStore) Create(_ context.Context, share *database.Share) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byHash[share.TokenHash]; exists {
		return database.ErrTokenHashTaken
	}
	cp := *share
	m.byHash[share.TokenHash] = &cp
	return nil
}

func (m *memStore) GetByTokenHash(_ context.Context, hash string) (*database.Share, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	share, ok := m.byHash[hash]
	if !ok {
		return nil, database.ErrShareNotFound
	}
	cp := *share
	return &cp, nil
}

func (m *memStore) ConsumeDownload(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, share := range m.byHash {
		if share.ID != id {
			continue
		}
		if share.MaxDownloads != nil && share.DownloadCount >= *share.MaxDownloads {
			return 0, database.ErrQuotaReached
		}
		share.DownloadCount++
		return share.DownloadCount, nil
	}
	return 0, database.ErrShareNotFound
}

func (m *memStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for hash, share := range m.byHash {
		if share.ExpiresAt != nil && share.ExpiresAt.Before(now) {
			delete(m.byHash, hash)
			purged++
		}
	}
	return purged, nil
}

func (m *memStore) GetExpired(_ context.Context, now time.Time) ([]*database.Share, error) {
	return nil, nil
}

func (m *memStore) GetStats(_ context.Context) (*database.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &database.Stats{TotalShares: int64(len(m.byHash))}, nil
}

type memSigner struct{}

func (memSigner) IssueUploadTargets(_ context.Context, keys []string) ([]handoff.SignedURL, error) {
	out := make([]handoff.SignedURL, len(keys))
	for i, k := range keys {
		out[i] = handoff.SignedURL{Key: k, URL: "https://blob.test/up/" + k}
	}
	return out, nil
}

func (memSigner) IssueDownloadTargets(_ context.Context, keys []string, _ time.Duration) ([]handoff.SignedURL, error) {
	out := make([]handoff.SignedURL, len(keys))
	for i, k := range keys {
		out[i] = handoff.SignedURL{Key: k, URL: "https://blob.test/dl/" + k}
	}
	return out, nil
}

func (memSigner) RemoveObjects(_ context.Context, _ []string) error { return nil }

func setupTestHandler(t *testing.T) (*echo.Echo, *Handler, *memStore) {
	t.Helper()
	cfg := &config.Config{
		BaseURL:        "http://localhost:8080",
		TokenPepper:    "test-pepper",
		TokenLength:    10,
		DownloadURLTTL: 10 * time.Minute,
		DefaultExpiry:  7 * 24 * time.Hour,
	}
	store := newMemStore()
	engine := service.NewEngine(store, memSigner{}, cfg)
	return echo.New(), NewHandler(engine, nil, cfg), store
}

func doJSON(t *testing.T, e *echo.Echo, h echo.HandlerFunc, method, path, body string, paramName, paramValue string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if paramName != "" {
		c.SetParamNames(paramName)
		c.SetParamValues(paramValue)
	}
	require.NoError(t, h(c))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	return rec, decoded
}

func TestHandleInitUpload(t *testing.T) {
	t.Run("issues targets for each declared file", func(t *testing.T) {
		e, h, _ := setupTestHandler(t)
		rec, body := doJSON(t, e, h.HandleInitUpload, http.MethodPost, "/upload/init",
			`{"files":[{"name":"a.txt","size":3},{"name":"b.bin","size":9}],"maxDownloads":2}`, "", "")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, body["uploadId"])
		assert.Len(t, body["token"], 10)
		urls := body["presignedUrls"].([]any)
		require.Len(t, urls, 2)
		first := urls[0].(map[string]any)
		assert.Equal(t, float64(0), first["fileIndex"])
		assert.Contains(t, first["storageKey"], body["uploadId"].(string)+"/0-a.txt")
		assert.Equal(t, float64(2), body["maxDownloads"])
		// absent expiry falls back to the configured default
		assert.NotNil(t, body["expiresAt"])
	})

	t.Run("explicit null expiry disables expiration", func(t *testing.T) {
		e, h, _ := setupTestHandler(t)
		rec, body := doJSON(t, e, h.HandleInitUpload, http.MethodPost, "/upload/init",
			`{"files":[{"name":"a.txt","size":3}],"expiry":null}`, "", "")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, body["expiresAt"])
	})

	t.Run("numeric expiry is honored", func(t *testing.T) {
		e, h, _ := setupTestHandler(t)
		rec, body := doJSON(t, e, h.HandleInitUpload, http.MethodPost, "/upload/init",
			`{"files":[{"name":"a.txt","size":3}],"expiry":60}`, "", "")

		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, body["expiresAt"])
		at := int64(body["expiresAt"].(float64))
		assert.InDelta(t, time.Now().Add(time.Minute).UnixMilli(), at, float64(5*time.Second/time.Millisecond))
	})

	t.Run("rejects invalid maxDownloads", func(t *testing.T) {
		e, h, _ := setupTestHandler(t)
		rec, _ := doJSON(t, e, h.HandleInitUpload, http.MethodPost, "/upload/init",
			`{"files":[{"name":"a.txt","size":3}],"maxDownloads":0}`, "", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleCompleteUpload(t *testing.T) {
	t.Run("missing uploadId or token is a 400", func(t *testing.T) {
		e, h, _ := setupTestHandler(t)
		rec, body := doJSON(t, e, h.HandleCompleteUpload, http.MethodPost, "/upload/complete",
			`{"filesMeta":[]}`, "", "")

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, false, body["ok"])
		assert.NotEmpty(t, body["error"])
	})

	t.Run("returns the public link", func(t *testing.T) {
		e, h, _ := setupTestHandler(t)
		rec, body := doJSON(t, e, h.HandleCompleteUpload, http.MethodPost, "/upload/complete",
			`{"uploadId":"u1","token":"tok1234567","filesMeta":[{"name":"a.txt","size":3,"storageKey":"u1/0-a.txt"}]}`, "", "")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["ok"])
		assert.Equal(t, "http://localhost:8080/t/tok1234567", body["publicLink"])
	})
}

func TestHandleResolveLink(t *testing.T) {
	completeBody := func(expiresAt string) string {
		return `{"uploadId":"u1","token":"tok1234567",` +
			`"filesMeta":[{"name":"a.txt","size":3,"storageKey":"u1/0-a.txt"}],` +
			`"maxDownloads":2` + expiresAt + `}`
	}

	t.Run("unknown token is 404", func(t *testing.T) {
		e, h, _ := setupTestHandler(t)
		rec, body := doJSON(t, e, h.HandleResolveLink, http.MethodGet, "/link/nosuchtok1", "", "token", "nosuchtok1")

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, false, body["valid"])
	})

	t.Run("expired link is 410 with reason", func(t *testing.T) {
		e, h, _ := setupTestHandler(t)
		past := time.Now().Add(-time.Second).UnixMilli()
		doJSON(t, e, h.HandleCompleteUpload, http.MethodPost, "/upload/complete",
			completeBody(`,"expiresAt":`+itoa(past)), "", "")

		rec, body := doJSON(t, e, h.HandleResolveLink, http.MethodGet, "/link/tok1234567", "", "token", "tok1234567")
		assert.Equal(t, http.StatusGone, rec.Code)
		assert.Equal(t, false, body["valid"])
		assert.Equal(t, "expired", body["reason"])
	})

	t.Run("live link returns the view", func(t *testing.T) {
		e, h, _ := setupTestHandler(t)
		doJSON(t, e, h.HandleCompleteUpload, http.MethodPost, "/upload/complete", completeBody(""), "", "")

		rec, body := doJSON(t, e, h.HandleResolveLink, http.MethodGet, "/link/tok1234567", "", "token", "tok1234567")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["valid"])
		files := body["files"].([]any)
		require.Len(t, files, 1)
		file := files[0].(map[string]any)
		assert.Equal(t, "a.txt", file["name"])
		assert.Equal(t, float64(3), file["size"])
		assert.NotContains(t, file, "storageKey")
		assert.Equal(t, float64(2), body["remainingDownloads"])
		assert.Equal(t, false, body["passwordProtected"])
	})
}

func TestHandleRedeemLink(t *testing.T) {
	seed := func(t *testing.T, e *echo.Echo, h *Handler, maxDownloads string) {
		t.Helper()
		doJSON(t, e, h.HandleCompleteUpload, http.MethodPost, "/upload/complete",
			`{"uploadId":"u1","token":"tok1234567",`+
				`"filesMeta":[{"name":"a.txt","size":3,"storageKey":"u1/0-a.txt"}]`+maxDownloads+`}`, "", "")
	}

	t.Run("returns one url per file", func(t *testing.T) {
		e, h, _ := setupTestHandler(t)
		seed(t, e, h, "")

		rec, body := doJSON(t, e, h.HandleRedeemLink, http.MethodPost, "/link/tok1234567", "", "token", "tok1234567")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["ok"])
		urls := body["fileUrls"].([]any)
		require.Len(t, urls, 1)
		entry := urls[0].(map[string]any)
		assert.Equal(t, "a.txt", entry["name"])
		assert.Contains(t, entry["url"], "https://blob.test/dl/u1/0-a.txt")
		assert.Nil(t, body["remainingDownloads"])
	})

	t.Run("quota exhaustion is 429", func(t *testing.T) {
		e, h, _ := setupTestHandler(t)
		seed(t, e, h, `,"maxDownloads":1`)

		rec, body := doJSON(t, e, h.HandleRedeemLink, http.MethodPost, "/link/tok1234567", "", "token", "tok1234567")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(0), body["remainingDownloads"])

		rec, body = doJSON(t, e, h.HandleRedeemLink, http.MethodPost, "/link/tok1234567", "", "token", "tok1234567")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, false, body["ok"])
		assert.Equal(t, "max_downloads_reached", body["error"])
	})

	t.Run("unknown token is 404", func(t *testing.T) {
		e, h, _ := setupTestHandler(t)
		rec, body := doJSON(t, e, h.HandleRedeemLink, http.MethodPost, "/link/nosuchtok1", "", "token", "nosuchtok1")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, false, body["ok"])
	})

	t.Run("expired token is 410", func(t *testing.T) {
		e, h, _ := setupTestHandler(t)
		past := time.Now().Add(-time.Second).UnixMilli()
		doJSON(t, e, h.HandleCompleteUpload, http.MethodPost, "/upload/complete",
			`{"uploadId":"u1","token":"tok1234567","filesMeta":[],"expiresAt":`+itoa(past)+`}`, "", "")

		rec, body := doJSON(t, e, h.HandleRedeemLink, http.MethodPost, "/link/tok1234567", "", "token", "tok1234567")
		assert.Equal(t, http.StatusGone, rec.Code)
		assert.Equal(t, "expired", body["error"])
	})

	t.Run("password gate maps to 401 and 403", func(t *testing.T) {
		e, h, _ := setupTestHandler(t)
		doJSON(t, e, h.HandleCompleteUpload, http.MethodPost, "/upload/complete",
			`{"uploadId":"u1","token":"tok1234567","filesMeta":[],"passwordProtected":true,"password":"hunter2"}`, "", "")

		rec, _ := doJSON(t, e, h.HandleRedeemLink, http.MethodPost, "/link/tok1234567", "", "token", "tok1234567")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec, _ = doJSON(t, e, h.HandleRedeemLink, http.MethodPost, "/link/tok1234567",
			`{"password":"wrong"}`, "token", "tok1234567")
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec, body := doJSON(t, e, h.HandleRedeemLink, http.MethodPost, "/link/tok1234567",
			`{"password":"hunter2"}`, "token", "tok1234567")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["ok"])
	})
}

// End-to-end walk through the two-phase upload and redemption lifecycle,
// all through the HTTP surface.
func TestUploadLifecycle(t *testing.T) {
	e, h, _ := setupTestHandler(t)

	// init with two files
	rec, initBody := doJSON(t, e, h.HandleInitUpload, http.MethodPost, "/upload/init",
		`{"files":[{"name":"a.txt","size":3},{"name":"b.bin","size":9}],"expiry":null,"maxDownloads":2}`, "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	uploadID := initBody["uploadId"].(string)
	tok := initBody["token"].(string)
	urls := initBody["presignedUrls"].([]any)
	require.Len(t, urls, 2)

	// complete with the returned storage keys
	metas := make([]string, len(urls))
	names := []string{"a.txt", "b.bin"}
	sizes := []string{"3", "9"}
	for i, u := range urls {
		key := u.(map[string]any)["storageKey"].(string)
		metas[i] = `{"name":"` + names[i] + `","size":` + sizes[i] + `,"storageKey":"` + key + `"}`
	}
	rec, completeBody := doJSON(t, e, h.HandleCompleteUpload, http.MethodPost, "/upload/complete",
		`{"uploadId":"`+uploadID+`","token":"`+tok+`","filesMeta":[`+strings.Join(metas, ",")+`],"expiresAt":null,"maxDownloads":2}`, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:8080/t/"+tok, completeBody["publicLink"])

	// resolve shows two remaining
	rec, body := doJSON(t, e, h.HandleResolveLink, http.MethodGet, "/link/"+tok, "", "token", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["remainingDownloads"])

	// first redemption
	rec, body = doJSON(t, e, h.HandleRedeemLink, http.MethodPost, "/link/"+tok, "", "token", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["remainingDownloads"])
	assert.Len(t, body["fileUrls"].([]any), 2)

	rec, body = doJSON(t, e, h.HandleResolveLink, http.MethodGet, "/link/"+tok, "", "token", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["remainingDownloads"])

	// second redemption drains the quota
	rec, body = doJSON(t, e, h.HandleRedeemLink, http.MethodPost, "/link/"+tok, "", "token", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["remainingDownloads"])

	// third is refused
	rec, body = doJSON(t, e, h.HandleRedeemLink, http.MethodPost, "/link/"+tok, "", "token", tok)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "max_downloads_reached", body["error"])
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
