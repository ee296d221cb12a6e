package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Midnight-Scripts/Midnight-blocklog/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testKey() entities.PublicKey {
	var key entities.PublicKey
	key[0] = 0xaa
	return key
}

func TestGetRegistration(t *testing.T) {
	key := testKey()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/registrations/"+key.Hex(), r.URL.Path)
		fmt.Fprint(w, `{"registered": true, "stake": 1250.5}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second, zap.NewNop().Sugar())
	registration := client.GetRegistration(context.Background(), key)

	assert.True(t, registration.Known)
	assert.True(t, registration.Registered)
	assert.Equal(t, 1250.5, registration.Stake)
}

func TestGetRegistration_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second, zap.NewNop().Sugar())
	registration := client.GetRegistration(context.Background(), testKey())

	assert.True(t, registration.Known)
	assert.False(t, registration.Registered)
}

func TestGetRegistration_Unreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", 100*time.Millisecond, zap.NewNop().Sugar())
	registration := client.GetRegistration(context.Background(), testKey())

	assert.False(t, registration.Known)
}

func TestGetRegistration_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second, zap.NewNop().Sugar())
	registration := client.GetRegistration(context.Background(), testKey())

	assert.False(t, registration.Known)
}
