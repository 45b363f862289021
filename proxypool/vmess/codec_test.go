package vmess

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subscribe_nexus/proxypool/model"
)

func sampleNode() model.ProxyNode {
	return model.ProxyNode{
		Name:       "节点 ?&/+ 01",
		Server:     "hk.example.com",
		Port:       "443",
		Type:       "vmess",
		Credential: "0b7f0e1c-2d3e-4f50-8a9b-0c1d2e3f4a5b",
		AlterID:    "0",
		Network:    "ws",
		Host:       "cdn.example.com",
		Path:       "/ray?ed=2048",
		TLS:        true,
	}
}

func TestEncode_PrefixAndKeyOrder(t *testing.T) {
	uri := Encode(sampleNode())
	require.True(t, strings.HasPrefix(uri, Scheme))

	raw, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(uri, Scheme))
	require.NoError(t, err)

	keys := []string{"v", "ps", "add", "port", "id", "aid", "net", "type", "host", "path", "tls"}
	last := -1
	for _, k := range keys {
		idx := strings.Index(string(raw), `"`+k+`":`)
		require.Greater(t, idx, last, "key %q out of order in %s", k, raw)
		last = idx
	}

	var m map[string]string
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "2", m["v"])
	assert.Equal(t, "none", m["type"])
	assert.Equal(t, "tls", m["tls"])
}

func TestRoundTrip(t *testing.T) {
	nodes := []model.ProxyNode{
		sampleNode(),
		{Name: "plain", Server: "1.2.3.4", Port: "80", Type: "vmess", Credential: "abc", AlterID: "64", Network: "tcp"},
		{Name: "x", Server: "y", Port: "1", Type: "vmess", Credential: "z"},
	}
	for _, n := range nodes {
		got, err := Decode(Encode(n))
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}

func TestDecode_TolerantBase64(t *testing.T) {
	body := `{"v":"2","ps":"n","add":"a.com","port":8080,"id":"u","aid":0,"net":"tcp","type":"none","host":"","path":"","tls":""}`

	for name, enc := range map[string]*base64.Encoding{
		"url":       base64.URLEncoding,
		"url-raw":   base64.RawURLEncoding,
		"std":       base64.StdEncoding,
		"std-nopad": base64.RawStdEncoding,
	} {
		n, err := Decode(Scheme + enc.EncodeToString([]byte(body)) + "#remark")
		require.NoError(t, err, name)
		assert.Equal(t, "8080", n.Port, name)
		assert.Equal(t, "0", n.AlterID, name)
		assert.Equal(t, "a.com", n.Server, name)
		assert.False(t, n.TLS, name)
	}
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode("ss://abc")
	assert.ErrorIs(t, err, ErrNotVmess)

	_, err = Decode(Scheme + "!!!")
	assert.Error(t, err)
}

func TestSubscription_MarkerFirstAndVmessOnly(t *testing.T) {
	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	nodes := []model.ProxyNode{
		sampleNode(),
		{Name: "trojan", Server: "t", Port: "443", Type: "trojan", Credential: "pw"},
	}

	out := Subscription(nodes, now)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)

	marker, err := Decode(lines[0])
	require.NoError(t, err)
	assert.Equal(t, "Update Date: 2024-05-06 07:08:09", marker.Name)
	assert.Equal(t, "00000000-0000-0000-0000-000000000000", marker.Credential)
	assert.Equal(t, "127.0.0.1", marker.Server)

	first, err := Decode(lines[1])
	require.NoError(t, err)
	assert.Equal(t, sampleNode().Name, first.Name)
}

func TestPrependMarker(t *testing.T) {
	out := PrependMarker("vmess://existing\n", time.Now())
	lines := strings.Split(out, "\n")
	assert.True(t, strings.HasPrefix(lines[0], Scheme))
	assert.Equal(t, "vmess://existing", lines[1])
}
