package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransport_Struct(t *testing.T) {
	transport := completeTransport()

	assert.NotNil(t, transport.Publisher)
	assert.NotNil(t, transport.Subscriber)
	assert.NotNil(t, transport.Declarer)
}

func TestConfig_Interface(t *testing.T) {
	var _ Config = (*mockConfig)(nil)

	cfg := &mockConfig{pubSubSystem: "test"}
	assert.Equal(t, "test", cfg.GetPubSubSystem())
	assert.Equal(t, 1, cfg.GetPrefetchCount())
}

type testProvider struct{}

func (testProvider) Capabilities() Capabilities {
	return Capabilities{Name: "test"}
}

func TestCapabilitiesProvider_Interface(t *testing.T) {
	var _ CapabilitiesProvider = testProvider{}

	provider := testProvider{}
	caps := provider.Capabilities()
	assert.Equal(t, "test", caps.Name)
}

func TestDeclarer_Interface(t *testing.T) {
	var _ Declarer = mockDeclarer{}
}
