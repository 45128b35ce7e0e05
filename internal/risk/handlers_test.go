package risk

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *MemoryBlacklist) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	blacklist := NewMemoryBlacklist()
	engine := NewEngine(NewMemoryStore(),
		NewVelocityTracker(DefaultVelocityConfig()),
		NewDeviceRegistry(100, time.Hour),
		DefaultAnalyzerConfig(),
	).WithClock(fixedClock).WithBlacklist(blacklist)
	handler := NewHandler(engine, blacklist)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterProtectedRoutes(v1)
	return r, blacklist
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CheckAndGet(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, "POST", "/v1/risk/check", map[string]any{
		"payerId":       "7",
		"amount":        "500",
		"currency":      "BDT",
		"paymentMethod": "bkash",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Score Score `json:"score"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.Score.TransactionID, "tx_"), resp.Score.TransactionID)
	assert.Equal(t, RecommendApprove, resp.Score.Recommendation)

	w = doJSON(router, "GET", "/v1/risk/"+resp.Score.TransactionID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, "GET", "/v1/risk/payers/7", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = doJSON(router, "GET", "/v1/risk/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CheckIgnoresSuppliedTransactionID(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, "POST", "/v1/risk/check", map[string]any{
		"payerId":  "7",
		"amount":   "500",
		"currency": "BDT",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var victim struct {
		Score Score `json:"score"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &victim))

	w = doJSON(router, "POST", "/v1/risk/check", map[string]any{
		"transactionId": victim.Score.TransactionID,
		"payerId":       "attacker",
		"amount":        "1",
		"currency":      "BDT",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var forged struct {
		Score Score `json:"score"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &forged))
	assert.NotEqual(t, victim.Score.TransactionID, forged.Score.TransactionID)

	w = doJSON(router, "GET", "/v1/risk/"+victim.Score.TransactionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stored struct {
		Score Score `json:"score"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stored))
	assert.Equal(t, "7", stored.Score.PayerID)
	assert.Equal(t, victim.Score.Score, stored.Score.Score)
}

func TestHandler_CheckValidation(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, "POST", "/v1/risk/check", map[string]any{
		"payerId":  "7",
		"amount":   "0",
		"currency": "BDT",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")

	req := httptest.NewRequest("POST", "/v1/risk/check", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Blacklist(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, "POST", "/v1/risk/blacklist", map[string]string{"key": "user:7"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(router, "POST", "/v1/risk/check", map[string]any{
		"payerId":  "7",
		"amount":   "500",
		"currency": "BDT",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"recommendation":"decline"`)

	w = doJSON(router, "DELETE", "/v1/risk/blacklist", map[string]string{"key": "user:7"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, "POST", "/v1/risk/blacklist", map[string]string{"key": "email:x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_key")
}

func TestHandler_ListByPayerPagination(t *testing.T) {
	router, _ := setupTestRouter(t)

	for range 3 {
		w := doJSON(router, "POST", "/v1/risk/check", map[string]any{
			"payerId":  "9",
			"amount":   "100",
			"currency": "BDT",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	var page struct {
		Scores     []Score `json:"scores"`
		Count      int     `json:"count"`
		HasMore    bool    `json:"hasMore"`
		NextCursor string  `json:"nextCursor"`
	}
	w := doJSON(router, "GET", "/v1/risk/payers/9?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Count)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextCursor)

	seen := map[string]bool{page.Scores[0].TransactionID: true, page.Scores[1].TransactionID: true}
	cursor := page.NextCursor

	page.Scores, page.NextCursor = nil, ""
	w = doJSON(router, "GET", "/v1/risk/payers/9?limit=2&cursor="+url.QueryEscape(cursor), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Count)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)
	assert.False(t, seen[page.Scores[0].TransactionID])

	w = doJSON(router, "GET", "/v1/risk/payers/9?cursor=%25%25", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_cursor")
}
