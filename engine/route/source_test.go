package route

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRouteDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileSource_Load(t *testing.T) {
	t.Run("Should load routes with defaults applied", func(t *testing.T) {
		path := writeRouteDoc(t, `
defaults:
  statusThresholdSeconds: 120
  properties:
    region: emea
routes:
  - routeId: batch-emea
    endpointType: rest
    endpointUrl: https://orchestrator.example.com
  - routeId: batch-apac
    endpointType: soap
    endpointUrl: https://control.example.com
    statusThresholdSeconds: 45
    properties:
      region: apac
`)
		configs, err := NewFileSource(path).Load(context.Background())
		require.NoError(t, err)
		require.Len(t, configs, 2)

		emea := configs[0]
		assert.Equal(t, "batch-emea", emea.ID)
		assert.Equal(t, EndpointREST, emea.EndpointType, "endpoint type is normalised to uppercase")
		require.NotNil(t, emea.StatusThresholdSeconds)
		assert.Equal(t, 120, *emea.StatusThresholdSeconds)
		assert.Equal(t, "emea", emea.StringProperty("region", ""))

		apac := configs[1]
		assert.Equal(t, EndpointSOAP, apac.EndpointType)
		require.NotNil(t, apac.StatusThresholdSeconds)
		assert.Equal(t, 45, *apac.StatusThresholdSeconds, "route value wins over defaults")
		assert.Equal(t, "apac", apac.StringProperty("region", ""))
	})

	t.Run("Should keep thresholds unset when neither route nor defaults define them", func(t *testing.T) {
		path := writeRouteDoc(t, `
routes:
  - routeId: plain
    endpointType: REST
    endpointUrl: https://orchestrator.example.com
`)
		configs, err := NewFileSource(path).Load(context.Background())
		require.NoError(t, err)
		require.Len(t, configs, 1)
		assert.Nil(t, configs[0].StatusThresholdSeconds)
		assert.Equal(t, DefaultStatusThresholdSeconds, int(configs[0].Threshold().Seconds()))
	})

	t.Run("Should preserve an explicit zero threshold", func(t *testing.T) {
		path := writeRouteDoc(t, `
defaults:
  statusThresholdSeconds: 300
routes:
  - routeId: always-fresh
    endpointType: REST
    endpointUrl: https://orchestrator.example.com
    statusThresholdSeconds: 0
`)
		configs, err := NewFileSource(path).Load(context.Background())
		require.NoError(t, err)
		require.NotNil(t, configs[0].StatusThresholdSeconds)
		assert.Equal(t, 0, *configs[0].StatusThresholdSeconds)
	})

	t.Run("Should reject a document without routes", func(t *testing.T) {
		path := writeRouteDoc(t, "defaults:\n  statusThresholdSeconds: 60\n")
		_, err := NewFileSource(path).Load(context.Background())
		assert.ErrorContains(t, err, "no routes")
	})

	t.Run("Should reject routes missing required fields", func(t *testing.T) {
		path := writeRouteDoc(t, `
routes:
  - routeId: broken
    endpointType: REST
`)
		_, err := NewFileSource(path).Load(context.Background())
		assert.ErrorContains(t, err, "failed validation")
	})

	t.Run("Should reject negative thresholds", func(t *testing.T) {
		path := writeRouteDoc(t, `
routes:
  - routeId: negative
    endpointType: REST
    endpointUrl: https://orchestrator.example.com
    statusThresholdSeconds: -1
`)
		_, err := NewFileSource(path).Load(context.Background())
		assert.ErrorContains(t, err, "failed validation")
	})

	t.Run("Should fail when the document is missing", func(t *testing.T) {
		_, err := NewFileSource(filepath.Join(t.TempDir(), "missing.yaml")).Load(context.Background())
		assert.ErrorContains(t, err, "failed to read route document")
	})

	t.Run("Should keep credentials out of JSON serialisation", func(t *testing.T) {
		path := writeRouteDoc(t, `
routes:
  - routeId: secured
    endpointType: SOAP
    endpointUrl: https://control.example.com
    userId: svc-user
    password: sekret
`)
		configs, err := NewFileSource(path).Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "sekret", configs[0].Password)
	})
}
