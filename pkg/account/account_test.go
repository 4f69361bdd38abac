package account

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEndpoint(t *testing.T) {
	cases := []struct {
		name     string
		cfg      Config
		url      string
		fallback bool
	}{
		{"udp sip", Config{AccountType: TypeSIP, Server: "sip.example.com", Port: "5060", Protocol: ProtocolUDP}, "wss://sip.example.com:5060/ws", true},
		{"udp aix", Config{AccountType: TypeAIX, Server: "sip.example.com", Port: "5060", Protocol: ProtocolUDP}, "wss://sip.example.com:5060", true},
		{"tcp", Config{AccountType: TypeSIP, Server: "pbx", Port: "5080", Protocol: ProtocolTCP}, "wss://pbx:5080/ws", true},
		{"tcp_udp", Config{AccountType: TypeSIP, Server: "pbx", Port: "5080", Protocol: ProtocolTCPUDP}, "wss://pbx:5080/ws", true},
		{"tls", Config{AccountType: TypeSIP, Server: "pbx", Port: "5061", Protocol: ProtocolTLS}, "wss://pbx:5061/ws", false},
		{"ws", Config{AccountType: TypeSIP, Server: "pbx", Port: "8088", Protocol: ProtocolWS}, "ws://pbx:8088/ws", false},
		{"wss lower case", Config{AccountType: TypeAIX, Server: "pbx", Port: "8089", Protocol: "wss"}, "wss://pbx:8089", false},
		{"unknown", Config{AccountType: TypeSIP, Server: "pbx", Port: "5060", Protocol: "SCTP"}, "wss://pbx:5060/ws", true},
		{"missing port", Config{Server: "pbx", Protocol: ProtocolWS}, "ws://pbx:5060/ws", false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ep := ResolveEndpoint(c.cfg, logger)
			assert.Equal(t, c.url, ep.String())
			assert.Equal(t, c.fallback, ep.Fallback)
		})
	}
}

func TestEndpointTransport(t *testing.T) {
	ep := ResolveEndpoint(Config{Server: "pbx", Port: "5060", Protocol: ProtocolWS}, nil)
	assert.Equal(t, "WS", ep.Transport())
	assert.Equal(t, "pbx:5060", ep.HostPort())
}

func TestConfigJSON(t *testing.T) {
	raw := `{"accountType":"AIX","server":"s","port":"5060","username":"u","password":"p","protocol":"WSS","echoCancellation":true,"noiseSuppression":false}`
	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))
	assert.Equal(t, TypeAIX, cfg.AccountType)
	assert.Equal(t, ProtocolWSS, cfg.Protocol)
	assert.True(t, cfg.EchoCancellation)
	assert.False(t, cfg.NoiseSuppression)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg.Server = "pbx"
	cfg.Username = "100"
	assert.NoError(t, cfg.Validate())

	cfg.Port = "abc"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg.Port = "5060"
	cfg.AccountType = "XMPP"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestConfigRedacted(t *testing.T) {
	cfg := Config{Username: "100", Password: "secret"}
	assert.Equal(t, "***", cfg.Redacted().Password)
	assert.Equal(t, "secret", cfg.Password)
}

func TestProfileFromConfig(t *testing.T) {
	cfg := Config{Server: "pbx", Port: "5060", Username: "100", Password: "pw", DisplayName: "Alice"}
	p := ProfileFromConfig(cfg, ResolveEndpoint(cfg, nil), 3600)

	assert.Equal(t, "sip:100@pbx:5060", p.URI.String())
	assert.Equal(t, uint32(3600), p.Expires)
	assert.Equal(t, "pw", p.Auth.Password)
	assert.Contains(t, p.InstanceID, "urn:uuid:")

	contact := p.Contact()
	assert.Contains(t, contact.String(), "Alice")
	assert.True(t, contact.Params.Has("+sip.instance"))
}
