package handover

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surveylink/surveylink/pkg/types"
)

func TestFallbackEndpointUsesCredentials(t *testing.T) {
	creds := types.HandoverCredentials{
		Network: "SURV-AP-1234",
		Host:    "192.168.4.1",
		Port:    8080,
	}
	ep, err := fallbackEndpoint(creds)
	require.NoError(t, err)
	assert.Equal(t, "192.168.4.1", ep.Addr.String())
	assert.Equal(t, 8080, ep.Port)
}

func TestFallbackEndpointWithoutHost(t *testing.T) {
	_, err := fallbackEndpoint(types.HandoverCredentials{Network: "SURV-AP-1234"})
	require.Error(t, err)
	assert.Equal(t, types.CodeTransferFailed, types.CodeOf(err))
}

func TestEndpointURL(t *testing.T) {
	creds := types.HandoverCredentials{Host: "192.168.4.1", Port: 8080}
	ep, err := fallbackEndpoint(creds)
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.4.1:8080", ep.URL(creds))

	creds.Protocol = "https"
	assert.Equal(t, "https://192.168.4.1:8080", ep.URL(creds))
}
