package openapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	doc, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, doc.Paths.Find("/settlements/{id}/actions/{action}"))
	assert.NotNil(t, doc.Paths.Find("/corridors/{id}/status"))
	assert.Equal(t, "/api/v1", doc.Servers[0].URL)
}
