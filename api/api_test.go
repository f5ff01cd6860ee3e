package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certforge/engine"
	"github.com/jmcleod/certforge/request"
	"github.com/jmcleod/certforge/storage/memory"
)

type apiSigner struct{}

func (apiSigner) Sign(ctx context.Context, req *request.Request) error {
	req.Bag().SetString("cert.pem", "-----BEGIN CERTIFICATE-----")
	return nil
}

func newTestAPI(t *testing.T) (*API, *engine.Engine) {
	t.Helper()
	eng, err := engine.New(memory.NewStore(), engine.WithSigningUnit(apiSigner{}))
	require.NoError(t, err)
	return New(eng), eng
}

func doJSON(t *testing.T, a *API, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestProfileLifecycleOverHTTP(t *testing.T) {
	a, _ := newTestAPI(t)

	rec := doJSON(t, a, http.MethodPost, "/profiles", CreateProfileRequest{
		ProfileID: "caUserCert", ClassID: "caUserCert",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[ProfileSummary](t, rec)
	assert.Equal(t, "caUserCert", created.ProfileID)
	assert.False(t, created.Enabled)

	rec = doJSON(t, a, http.MethodPost, "/profiles/caUserCert/enable", EnableProfileRequest{Actor: "admin"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, a, http.MethodGet, "/profiles/caUserCert", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[ProfileSummary](t, rec)
	assert.True(t, got.Enabled)
	assert.Equal(t, "admin", got.EnabledBy)

	rec = doJSON(t, a, http.MethodGet, "/profiles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[ListProfilesResponse](t, rec)
	require.Len(t, list.Profiles, 1)

	// An enabled profile cannot be deleted.
	rec = doJSON(t, a, http.MethodDelete, "/profiles/caUserCert", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, a, http.MethodPost, "/profiles/caUserCert/disable", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, a, http.MethodDelete, "/profiles/caUserCert", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, a, http.MethodGet, "/profiles/caUserCert", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProfileConfigRoundTrip(t *testing.T) {
	a, _ := newTestAPI(t)
	rec := doJSON(t, a, http.MethodPost, "/profiles", CreateProfileRequest{
		ProfileID: "caUserCert", ClassID: "caUserCert",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, a, http.MethodGet, "/profiles/caUserCert/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decodeBody[ProfileConfigResponse](t, rec)
	require.NotEmpty(t, cfg.Config["policy.list"])

	cfg.Config["policy.p2.param.validity.days"] = "180"
	rec = doJSON(t, a, http.MethodPut, "/profiles/caUserCert/config", cfg)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, a, http.MethodPost, "/profiles/caUserCert/commit", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCreateProfile_Validation(t *testing.T) {
	a, _ := newTestAPI(t)

	rec := doJSON(t, a, http.MethodPost, "/profiles", CreateProfileRequest{ProfileID: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, a, http.MethodPost, "/profiles", CreateProfileRequest{
		ProfileID: "x", ClassID: "noSuchClass",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnectorEndpoints(t *testing.T) {
	a, _ := newTestAPI(t)

	rec := doJSON(t, a, http.MethodGet, "/connectors", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[ListConnectorsResponse](t, rec)
	assert.Empty(t, list.Connectors)

	rec = doJSON(t, a, http.MethodPost, "/connectors", map[string]any{
		"id": "KRA", "host": "kra1.example.com", "port": 8443,
		"enable": true, "transport_cert": "CERT-A",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, a, http.MethodGet, "/connectors/KRA", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, a, http.MethodPost, "/connectors/KRA/hosts", ConnectorHostRequest{
		Host: "kra2.example.com", Port: 8443,
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	// A clashing definition is a conflict.
	rec = doJSON(t, a, http.MethodPost, "/connectors", map[string]any{
		"id": "KRA", "host": "kra3.example.com", "port": 8443,
		"transport_cert": "CERT-B",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, a, http.MethodDelete, "/connectors/KRA/hosts", ConnectorHostRequest{
		Host: "nowhere.example.com", Port: 1,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestEndpoints(t *testing.T) {
	a, eng := newTestAPI(t)
	_, err := eng.Profiles().Create("caUserCert", "caUserCert")
	require.NoError(t, err)
	require.NoError(t, eng.Profiles().Enable("caUserCert", "admin"))

	rec := doJSON(t, a, http.MethodPost, "/requests", SubmitRequestBody{
		ProfileID: "caUserCert",
		Params: map[string]string{
			"uid": "alice", "keyAlgorithm": "RSA", "keySize": "2048",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	submitted := decodeBody[SubmitResponse](t, rec)
	assert.Equal(t, string(request.StatusComplete), submitted.Status)
	assert.Equal(t, "-----BEGIN CERTIFICATE-----", submitted.Outputs["certificate"])

	rec = doJSON(t, a, http.MethodGet, "/requests/"+submitted.RequestID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[RequestView](t, rec)
	assert.Equal(t, string(request.StatusComplete), view.Status)
	assert.Equal(t, "UID=alice,OU=people", view.Attributes["cert.subject"])

	rec = doJSON(t, a, http.MethodGet, "/requests", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[ListRequestsResponse](t, rec)
	assert.Contains(t, list.RequestIDs, submitted.RequestID)

	// A decided request refuses further decisions.
	rec = doJSON(t, a, http.MethodPost, "/requests/"+submitted.RequestID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitRequest_PolicyRejectionIsData(t *testing.T) {
	a, eng := newTestAPI(t)
	_, err := eng.Profiles().Create("caUserCert", "caUserCert")
	require.NoError(t, err)
	require.NoError(t, eng.Profiles().Enable("caUserCert", "admin"))

	// A policy violation is a 201 with a REJECTED body, not an HTTP error.
	rec := doJSON(t, a, http.MethodPost, "/requests", SubmitRequestBody{
		ProfileID: "caUserCert",
		Params: map[string]string{
			"uid": "bob", "keyAlgorithm": "RSA", "keySize": "512",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeBody[SubmitResponse](t, rec)
	assert.Equal(t, string(request.StatusRejected), resp.Status)
	require.NotEmpty(t, resp.PolicyErrors)
	assert.Equal(t, "p5", resp.PolicyErrors[0].RuleID)
}

func TestSubmitRequest_ErrorMapping(t *testing.T) {
	a, eng := newTestAPI(t)

	// Unknown profile.
	rec := doJSON(t, a, http.MethodPost, "/requests", SubmitRequestBody{
		ProfileID: "nope", Params: map[string]string{},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	assert.NotEmpty(t, body.Error)

	// Disabled profile.
	_, err := eng.Profiles().Create("caUserCert", "caUserCert")
	require.NoError(t, err)
	rec = doJSON(t, a, http.MethodPost, "/requests", SubmitRequestBody{
		ProfileID: "caUserCert", Params: map[string]string{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing required input.
	require.NoError(t, eng.Profiles().Enable("caUserCert", "admin"))
	rec = doJSON(t, a, http.MethodPost, "/requests", SubmitRequestBody{
		ProfileID: "caUserCert", Params: map[string]string{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Malformed request id.
	rec = doJSON(t, a, http.MethodGet, "/requests/not-a-number", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown request id.
	rec = doJSON(t, a, http.MethodGet, "/requests/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
