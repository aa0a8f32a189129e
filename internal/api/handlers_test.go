package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/tipledger/internal/ledger"
	"github.com/punchamoorthee/tipledger/internal/store/memory"
	"github.com/punchamoorthee/tipledger/internal/tipkey"
)

const (
	testAdminToken   = "sekrit"
	testAdminAccount = "operator"
)

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	svc := ledger.New(memory.New(), ledger.Options{AdminAccount: testAdminAccount})
	h := NewHandler(svc, testAdminToken, testAdminAccount, 6)
	r := mux.NewRouter()
	h.Register(r.PathPrefix("/api/v1").Subrouter())
	return r
}

func doJSON(t *testing.T, r *mux.Router, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func setRate(t *testing.T, r *mux.Router, bps uint32) {
	t.Helper()
	rec := doJSON(t, r, "PUT", "/api/v1/admin/rate",
		map[string]uint32{"rate_basis_points": bps},
		map[string]string{"X-Admin-Token": testAdminToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestStakeAndAccountView(t *testing.T) {
	r := newTestRouter(t)
	setRate(t, r, 100)

	rec := doJSON(t, r, "POST", "/api/v1/stake",
		map[string]any{"account": "alice", "amount": 1_500_000}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var payload struct {
		StakedBalance uint64 `json:"staked_balance"`
		StakedDecimal string `json:"staked_decimal"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, uint64(1_500_000), payload.StakedBalance)
	require.Equal(t, "1.5", payload.StakedDecimal)

	rec = doJSON(t, r, "GET", "/api/v1/accounts/alice", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStakeRejectsZeroAmount(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(t, r, "POST", "/api/v1/stake",
		map[string]any{"account": "alice", "amount": 0}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestTipRequiresIdempotencyKey(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(t, r, "POST", "/api/v1/tips",
		map[string]any{"sender": "alice", "recipient": "bob", "amount": 1}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTipDuplicateKeyConflicts(t *testing.T) {
	r := newTestRouter(t)
	setRate(t, r, 1000)

	rec := doJSON(t, r, "POST", "/api/v1/stake",
		map[string]any{"account": "alice", "amount": 1_000_000}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Handlers stamp real wall-clock time, so seed sender allowance through
	// an admin reset rather than waiting for accrual.
	rec = doJSON(t, r, "POST", "/api/v1/admin/reset",
		map[string]any{"account": "alice", "granted": 100, "spent": 0},
		map[string]string{"X-Admin-Token": testAdminToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	key, _ := tipkey.New("alice", "bob", 10, "msg-1")
	headers := map[string]string{"Idempotency-Key": key}
	body := map[string]any{"sender": "alice", "recipient": "bob", "amount": 10}

	rec = doJSON(t, r, "POST", "/api/v1/tips", body, headers)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, r, "POST", "/api/v1/tips", body, headers)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, r, "GET", "/api/v1/accounts/bob", nil, nil)
	var view struct {
		Claimable uint64 `json:"claimable"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, uint64(10), view.Claimable)
}

func TestSelfTipUnprocessable(t *testing.T) {
	r := newTestRouter(t)
	key, _ := tipkey.New("alice", "alice", 1, "msg")
	rec := doJSON(t, r, "POST", "/api/v1/tips",
		map[string]any{"sender": "alice", "recipient": "alice", "amount": 1},
		map[string]string{"Idempotency-Key": key})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAdminRequiresToken(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(t, r, "PUT", "/api/v1/admin/rate",
		map[string]uint32{"rate_basis_points": 100}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, r, "PUT", "/api/v1/admin/rate",
		map[string]uint32{"rate_basis_points": 100},
		map[string]string{"X-Admin-Token": "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestClaimNothingToClaim(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(t, r, "POST", "/api/v1/claim",
		map[string]any{"account": "bob", "mode": "balance"}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestUnknownTipIs404(t *testing.T) {
	r := newTestRouter(t)
	key, _ := tipkey.New("a", "b", 1, "x")
	rec := doJSON(t, r, "GET", "/api/v1/tips/"+key, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
