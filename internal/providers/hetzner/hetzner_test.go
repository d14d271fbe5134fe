package hetzner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	prov "github.com/synthmsg/botfleet/internal/providers"
)

func testProvider(t *testing.T, h http.Handler) *Provider {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	var cfg prov.Config
	cfg.Providers.Hetzner.Token = "tok"
	cfg.Providers.Hetzner.Location = "fsn1"
	return New(cfg).WithBaseURL(srv.URL).WithRetryConfig(prov.RetryConfig{MaxRetries: 0, InitialDelay: time.Millisecond})
}

func TestListInstancesPaginates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/servers", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			_, _ = w.Write([]byte(`{"servers":[
				{"id":1,"name":"bot-0","status":"running","public_net":{"ipv4":{"ip":"10.0.0.1"}}},
				{"id":2,"name":"web-1","status":"running","public_net":{"ipv4":{"ip":"10.0.0.2"}}}
			],"meta":{"pagination":{"page":1,"next_page":2}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"servers":[
			{"id":3,"name":"bot-1","status":"initializing","public_net":{"ipv4":null}}
		],"meta":{"pagination":{"page":2,"next_page":null}}}`))
	})
	p := testProvider(t, mux)

	got, err := p.ListInstances(context.Background(), "bot")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, prov.Instance{ID: "1", Name: "bot-0", Status: prov.StatusRunning, PublicIP: "10.0.0.1"}, got[0])
	assert.Equal(t, prov.StatusPending, got[1].Status)
	assert.Empty(t, got[1].PublicIP)
}

func TestCreateInstance(t *testing.T) {
	var body hcCreateReq
	mux := http.NewServeMux()
	mux.HandleFunc("/servers", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"server":{"id":42,"name":"bot-7","status":"initializing"}}`))
	})
	p := testProvider(t, mux)

	inst, err := p.CreateInstance(context.Background(), prov.CreateRequest{
		Name: "bot-7", Plan: "cx11", Image: prov.Image{ID: "99"}, Credential: prov.Credential{ID: "5"}, UserData: "#cloud-config",
	})
	require.NoError(t, err)
	assert.Equal(t, "42", inst.ID)
	assert.Equal(t, "cx11", body.ServerType)
	assert.Equal(t, "99", body.Image)
	assert.Equal(t, "fsn1", body.Location)
	assert.Equal(t, []string{"5"}, body.SSHKeys)
	assert.Equal(t, "#cloud-config", body.UserData)
}

func TestDeleteInstanceError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/servers/9", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		http.Error(w, `{"error":{"code":"locked"}}`, http.StatusLocked)
	})
	p := testProvider(t, mux)

	err := p.DeleteInstance(context.Background(), "9")
	var apiErr *prov.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusLocked, apiErr.StatusCode)
}

func TestResolveLatestImageAndCredential(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/images", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "snapshot", r.URL.Query().Get("type"))
		_, _ = w.Write([]byte(`{"images":[
			{"id":1,"description":"synthetic v1","created":"2024-01-01T00:00:00Z"},
			{"id":2,"description":"synthetic v2","created":"2024-06-01T00:00:00Z"},
			{"id":3,"description":"other","created":"2025-01-01T00:00:00Z"}
		],"meta":{"pagination":{"page":1,"next_page":null}}}`))
	})
	mux.HandleFunc("/ssh_keys", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ssh_keys":[{"id":11,"name":"ops","fingerprint":"aa"}]}`))
	})
	p := testProvider(t, mux)

	img, err := p.ResolveLatestImage(context.Background(), "synthetic")
	require.NoError(t, err)
	assert.Equal(t, "2", img.ID)

	cred, err := p.ResolveCredential(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "11", cred.ID)
}

func TestListInstancesPageLimit(t *testing.T) {
	requests := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/servers", func(w http.ResponseWriter, r *http.Request) {
		requests++
		_, _ = fmt.Fprintf(w, `{"servers":[{"id":%d,"name":"bot-%d","status":"running"}],"meta":{"pagination":{"next_page":%d}}}`,
			requests, requests, requests+1)
	})
	p := testProvider(t, mux)
	p.pages.MaxPages = 3

	_, err := p.ListInstances(context.Background(), "bot")
	require.ErrorIs(t, err, prov.ErrPageLimit)
	assert.Equal(t, 3, requests)
}
