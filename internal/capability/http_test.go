package capability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoilhq/recoil/pkg/schema"
)

func httpExec(t *testing.T, params map[string]any) (map[string]any, error) {
	t.Helper()
	c := NewHTTPRequestCap(HTTPConfig{})
	res, err := c.Execute(context.Background(), Input{Params: params, Confirmed: true})
	if err != nil {
		return nil, err
	}
	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Outputs, &out))
	return out, nil
}

func TestHTTPRequest_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "token-123", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"abc","count":2}`))
	}))
	defer srv.Close()

	out, err := httpExec(t, map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"Authorization": "token-123"},
	})
	require.NoError(t, err)

	assert.Equal(t, float64(200), out["status_code"])
	// JSON bodies are decoded so later steps can reference fields.
	body, ok := out["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "abc", body["id"])
}

func TestHTTPRequest_PostJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		data, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"name":"deploy"}`, string(data))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	out, err := httpExec(t, map[string]any{
		"url":    srv.URL,
		"method": "post",
		"body":   map[string]any{"name": "deploy"},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(201), out["status_code"])
}

func TestHTTPRequest_FormBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "staging", r.PostFormValue("env"))
	}))
	defer srv.Close()

	_, err := httpExec(t, map[string]any{
		"url":           srv.URL,
		"method":        "POST",
		"body":          map[string]any{"env": "staging"},
		"body_encoding": "form",
	})
	require.NoError(t, err)
}

func TestHTTPRequest_ErrorStatusTolerated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	// By default a 5xx is data, not an error.
	out, err := httpExec(t, map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, float64(503), out["status_code"])
}

func TestHTTPRequest_FailOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := httpExec(t, map[string]any{
		"url":                  srv.URL,
		"fail_on_error_status": true,
	})
	require.Error(t, err)
	var rerr *schema.RecoilError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeExecution, rerr.Code)
	assert.Equal(t, 400, rerr.Details["status_code"])
}

func TestHTTPRequest_InvalidURL(t *testing.T) {
	for _, bad := range []string{"", "not-a-url", "ftp://example.com/file"} {
		_, err := httpExec(t, map[string]any{"url": bad})
		require.Error(t, err, "url %q should be rejected", bad)
		var rerr *schema.RecoilError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
	}
}

func TestHTTPRequest_SpecPosture(t *testing.T) {
	c := NewHTTPRequestCap(HTTPConfig{})
	spec := c.Spec()
	assert.True(t, spec.RequiresConfirmation)
	assert.False(t, spec.Reversible)
	assert.Equal(t, schema.RiskHigh, spec.RiskLevel)
	assert.Equal(t, schema.SideEffectNetwork, spec.SideEffects)
}
