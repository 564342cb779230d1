package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwcmux/walletmux/internal/ledger"
	"github.com/nwcmux/walletmux/internal/registry"
	"github.com/nwcmux/walletmux/internal/vault"
)

func newTestServer(t *testing.T) (*Server, *ledger.Store) {
	t.Helper()
	v, err := vault.New("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	store, err := ledger.Open(t.TempDir(), "ledger.db", v)
	require.NoError(t, err)

	reg, err := registry.Load(store, func(acct *ledger.SubAccount) registry.Endpoint { return nil })
	require.NoError(t, err)

	return New(store, reg, v, "test-secret"), store
}

func login(t *testing.T, s *Server) string {
	t.Helper()
	body, _ := json.Marshal(loginRequest{APIKey: "test-secret"})
	req := httptest.NewRequest(http.MethodPost, "/admin/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Token
}

func TestLoginRejectsWrongAPIKey(t *testing.T) {
	s, _ := newTestServer(t)
	body, _ := json.Marshal(loginRequest{APIKey: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/admin/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateSubAccountRequiresBearerToken(t *testing.T) {
	s, _ := newTestServer(t)
	body, _ := json.Marshal(createSubAccountRequest{Label: "alice"})
	req := httptest.NewRequest(http.MethodPost, "/subaccounts", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAndListSubAccounts(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	body, _ := json.Marshal(createSubAccountRequest{Label: "alice"})
	req := httptest.NewRequest(http.MethodPost, "/subaccounts", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		ConnectURI    string `json:"connect_uri"`
		ClientSecret  string `json:"client_secret"`
		ServiceSecret string `json:"service_secret"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ConnectURI)
	assert.NotEmpty(t, created.ClientSecret)

	listReq := httptest.NewRequest(http.MethodGet, "/subaccounts", nil)
	listReq.Header.Set("Authorization", "Bearer "+token)
	listRec := httptest.NewRecorder()
	s.engine.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)

	var accounts []ledger.SubAccount
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &accounts))
	require.Len(t, accounts, 1)
	assert.Equal(t, "alice", accounts[0].Label)
}
