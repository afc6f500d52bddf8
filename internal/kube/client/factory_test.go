package client

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testKubeconfig = `apiVersion: v1
kind: Config
clusters:
- cluster:
    server: https://example.com
  name: test-cluster
contexts:
- context:
    cluster: test-cluster
    user: test-user
  name: test-context
current-context: test-context
users:
- name: test-user
  user:
    token: test-token`

func writeKubeconfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kubeconfig")
	require.NoError(t, os.WriteFile(path, []byte(testKubeconfig), 0600))
	return path
}

func TestNewFactory(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tests := []struct {
		name           string
		mode           ClientMode
		kubeconfigPath string
		expectError    bool
	}{
		{
			name:        "invalid mode",
			mode:        ClientMode("invalid"),
			expectError: true,
		},
		{
			name:           "kubeconfig mode with non-existent file",
			mode:           KubeconfigMode,
			kubeconfigPath: "/non/existent/kubeconfig",
			expectError:    true,
		},
		{
			name:           "kubeconfig mode with valid file",
			mode:           KubeconfigMode,
			kubeconfigPath: writeKubeconfig(t),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory, err := NewFactory(logger, tt.mode, tt.kubeconfigPath)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, factory.Client())
			assert.NotNil(t, factory.MetricsClient())
			assert.Equal(t, "https://example.com", factory.RESTConfig().Host)
			assert.Contains(t, factory.RESTConfig().UserAgent, "kaptn-relay/")
		})
	}
}

func TestBuildKubeconfigFromPath(t *testing.T) {
	path := writeKubeconfig(t)

	config, err := buildKubeconfigFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", config.Host)
	assert.Equal(t, "test-token", config.BearerToken)

	_, err = buildKubeconfigFromPath(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
