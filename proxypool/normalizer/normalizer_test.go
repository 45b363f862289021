package normalizer

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subscribe_nexus/proxypool/model"
	"subscribe_nexus/proxypool/vmess"
)

const sampleConfig = `
port: 7890
proxies:
  - name: "hk-01"
    type: vmess
    server: hk.example.com
    port: 443
    uuid: 0b7f0e1c-2d3e-4f50-8a9b-0c1d2e3f4a5b
    alterId: 64
    network: ws
    tls: true
    ws-opts:
      path: /ray
      headers:
        Host: cdn.example.com
  - name: "ss-02"
    type: ss
    server: 10.0.0.2
    port: "8388"
    cipher: aes-256-gcm
    password: secret
  - name: "broken"
    type: vmess
    port: 1
  - just-a-string
`

func TestParse_FieldMapping(t *testing.T) {
	nodes, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	vm := nodes[0]
	assert.Equal(t, "hk-01", vm.Name)
	assert.Equal(t, "hk.example.com", vm.Server)
	assert.Equal(t, "443", vm.Port)
	assert.Equal(t, "vmess", vm.Type)
	assert.Equal(t, "0b7f0e1c-2d3e-4f50-8a9b-0c1d2e3f4a5b", vm.Credential)
	assert.Equal(t, "64", vm.AlterID)
	assert.Equal(t, "ws", vm.Network)
	assert.Equal(t, "cdn.example.com", vm.Host)
	assert.Equal(t, "/ray", vm.Path)
	assert.True(t, vm.TLS)
	assert.Equal(t, "aes-256-gcm", nodes[1].Extra["cipher"])

	ss := nodes[1]
	assert.Equal(t, "8388", ss.Port)
	assert.Equal(t, "secret", ss.Credential)
	assert.Equal(t, "0", ss.AlterID)
	assert.Equal(t, "tcp", ss.Network)
	assert.Equal(t, "", ss.Host)
	assert.False(t, ss.TLS)
}

func TestParse_KeepsIncompleteRecords(t *testing.T) {
	nodes, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	broken := nodes[2]
	assert.Equal(t, "broken", broken.Name)
	assert.Equal(t, "", broken.Server)
	assert.Equal(t, "", broken.Credential)
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("proxies: [unclosed"))
	assert.ErrorIs(t, err, ErrMalformedDocument)
}

func TestParse_NoProxies(t *testing.T) {
	nodes, err := Parse([]byte("mode: rule\n"))
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestParse_Base64ShareLinks(t *testing.T) {
	node := model.ProxyNode{
		Name:       "jp-01",
		Server:     "jp.example.com",
		Port:       "443",
		Type:       "vmess",
		Credential: "0b7f0e1c-2d3e-4f50-8a9b-0c1d2e3f4a5b",
		AlterID:    "0",
		Network:    "ws",
		Host:       "cdn.example.com",
		Path:       "/ray",
		TLS:        true,
	}
	body := base64.StdEncoding.EncodeToString([]byte(vmess.Encode(node) + "\n"))

	nodes, err := Parse([]byte(body))
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	got := nodes[0]
	assert.Equal(t, "jp-01", got.Name)
	assert.Equal(t, "vmess", got.Type)
	assert.Equal(t, "jp.example.com", got.Server)
	assert.Equal(t, "443", got.Port)
	assert.Equal(t, node.Credential, got.Credential)
	assert.Equal(t, "ws", got.Network)
	assert.Equal(t, "/ray", got.Path)
	assert.Equal(t, "cdn.example.com", got.Host)
	assert.True(t, got.TLS)
}

func TestParse_PlainShareLinks(t *testing.T) {
	a := model.ProxyNode{Name: "a", Server: "a.example.com", Port: "443", Type: "vmess", Credential: "0b7f0e1c-2d3e-4f50-8a9b-0c1d2e3f4a5b", AlterID: "0", Network: "tcp"}
	b := a
	b.Name, b.Server = "b", "b.example.com"
	body := strings.Join([]string{
		vmess.Encode(a),
		"not a link",
		vmess.Encode(b),
		"trojan://secret@t.example.com:443#t1",
	}, "\n")

	nodes, err := Parse([]byte(body))
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, "a.example.com", nodes[0].Server)
	assert.Equal(t, "tcp", nodes[0].Network)
	assert.Equal(t, "b.example.com", nodes[1].Server)
	assert.Equal(t, "trojan", nodes[2].Type)
	assert.Equal(t, "t.example.com", nodes[2].Server)
	assert.Equal(t, "secret", nodes[2].Credential)
}

func TestParse_NeitherConfigNorLinks(t *testing.T) {
	_, err := Parse([]byte("proxies: [unclosed\nnot a link"))
	assert.ErrorIs(t, err, ErrMalformedDocument)
}
