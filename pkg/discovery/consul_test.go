package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sindef/replset-bootstrap/pkg/failure"
)

func consulServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health/service/db-cluster" {
			http.NotFound(w, r)
			return
		}
		if !r.URL.Query().Has("passing") {
			t.Errorf("Expected passing filter in query %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Consul-Index", "42")
		w.Header().Set("X-Consul-LastContact", "0")
		w.Header().Set("X-Consul-KnownLeader", "true")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConsulRegistryHealthy(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected []Member
	}{
		{
			name:     "empty array",
			body:     `[]`,
			expected: []Member{},
		},
		{
			name: "service address preferred",
			body: `[
				{"Node": {"Node": "mongo-1", "Address": "192.168.1.5"},
				 "Service": {"Service": "db-cluster", "Address": "10.0.0.5", "Port": 27017}}
			]`,
			expected: []Member{{Node: "mongo-1", Address: "10.0.0.5", Port: 27017}},
		},
		{
			name: "node address fallback",
			body: `[
				{"Node": {"Node": "mongo-1", "Address": "10.0.0.5"},
				 "Service": {"Service": "db-cluster", "Address": "", "Port": 0}},
				{"Node": {"Node": "mongo-2", "Address": "10.0.0.6"},
				 "Service": {"Service": "db-cluster", "Address": "", "Port": 27017}}
			]`,
			expected: []Member{
				{Node: "mongo-1", Address: "10.0.0.5"},
				{Node: "mongo-2", Address: "10.0.0.6", Port: 27017},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := consulServer(t, http.StatusOK, tt.body)
			reg, err := NewConsulRegistry(srv.URL, "")
			require.NoError(t, err)

			members, err := reg.Healthy(context.Background(), "db-cluster")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, members)
		})
	}
}

func TestConsulRegistryErrors(t *testing.T) {
	t.Run("http error", func(t *testing.T) {
		srv := consulServer(t, http.StatusInternalServerError, "rpc error: No cluster leader")
		reg, err := NewConsulRegistry(srv.URL, "")
		require.NoError(t, err)

		_, err = reg.Healthy(context.Background(), "db-cluster")
		assert.ErrorIs(t, err, failure.ErrDiscoveryUnavailable)
	})

	t.Run("agent unreachable", func(t *testing.T) {
		srv := consulServer(t, http.StatusOK, "[]")
		addr := srv.URL
		srv.Close()

		reg, err := NewConsulRegistry(addr, "")
		require.NoError(t, err)

		_, err = reg.Healthy(context.Background(), "db-cluster")
		assert.ErrorIs(t, err, failure.ErrDiscoveryUnavailable)
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := consulServer(t, http.StatusOK, "<html>proxy error</html>")
		reg, err := NewConsulRegistry(srv.URL, "")
		require.NoError(t, err)

		_, err = reg.Healthy(context.Background(), "db-cluster")
		assert.ErrorIs(t, err, failure.ErrStructuredParse)
		assert.NotErrorIs(t, err, failure.ErrDiscoveryUnavailable)
	})
}
