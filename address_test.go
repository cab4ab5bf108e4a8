package storemaster_test

import (
	"encoding/json"
	"testing"

	storemaster "github.com/ozanturksever/go-storemaster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerAddress(t *testing.T) {
	addr, err := storemaster.ParseServerAddress("master1.example.com:16000")
	require.NoError(t, err)
	assert.Equal(t, "master1.example.com", addr.Host)
	assert.Equal(t, 16000, addr.Port)
	assert.Equal(t, "master1.example.com:16000", addr.String())
	assert.False(t, addr.IsZero())
}

func TestParseServerAddress_Invalid(t *testing.T) {
	cases := []string{
		"",
		"no-port",
		"host:",
		"host:notaport",
		"host:0",
		"host:70000",
		"host:-1",
	}
	for _, input := range cases {
		_, err := storemaster.ParseServerAddress(input)
		assert.Error(t, err, "input %q should not parse", input)
	}
}

func TestServerAddress_JSONRoundTrip(t *testing.T) {
	addr := storemaster.NewServerAddress("10.0.0.5", 16000)

	data, err := json.Marshal(addr)
	require.NoError(t, err)
	assert.Equal(t, `"10.0.0.5:16000"`, string(data))

	var decoded storemaster.ServerAddress
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, addr, decoded)
}

func TestServerAddress_IPv6(t *testing.T) {
	addr, err := storemaster.ParseServerAddress("[::1]:16000")
	require.NoError(t, err)
	assert.Equal(t, "::1", addr.Host)
	assert.Equal(t, "[::1]:16000", addr.String())
}

func TestServerAddress_Zero(t *testing.T) {
	var addr storemaster.ServerAddress
	assert.True(t, addr.IsZero())
}
