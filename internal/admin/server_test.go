package admin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"scalestack/internal/orchestrator"
)

func TestEndpointFor(t *testing.T) {
	tests := []struct {
		listen string
		want   string
	}{
		{"0.0.0.0:8090", "http://127.0.0.1:8090/mcp"},
		{":8090", "http://127.0.0.1:8090/mcp"},
		{"[::1]:9", "http://[::1]:9/mcp"},
		{"10.0.0.1:9", "http://10.0.0.1:9/mcp"},
		{"admin.local", "http://admin.local/mcp"},
	}
	for _, tt := range tests {
		t.Run(tt.listen, func(t *testing.T) {
			assert.Equal(t, tt.want, EndpointFor(tt.listen))
		})
	}
}

func TestServer_NotStarted(t *testing.T) {
	srv := NewServer(Config{Listen: "127.0.0.1:0"}, orchestrator.New(orchestrator.Config{}))
	assert.Empty(t, srv.Addr())
	assert.Empty(t, srv.Endpoint())
	assert.NoError(t, srv.Stop(context.Background()))
}

func TestServer_ListenError(t *testing.T) {
	srv := NewServer(Config{Listen: "bad address"}, orchestrator.New(orchestrator.Config{}))
	assert.Error(t, srv.Start(context.Background()))
}
