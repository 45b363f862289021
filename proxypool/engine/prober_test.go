package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"subscribe_nexus/proxypool/model"
)

type fakeProcess struct {
	terminated atomic.Int32
}

func (p *fakeProcess) Terminate() error {
	p.terminated.Add(1)
	return nil
}

type fakeLauncher struct {
	proc     *fakeProcess
	err      error
	launches int
	config   string
}

func (l *fakeLauncher) Launch(_ context.Context, configPath string) (Process, error) {
	l.launches++
	l.config = configPath
	if l.err != nil {
		return nil, l.err
	}
	return l.proc, nil
}

type fakeController struct {
	mu     sync.Mutex
	calls  []string
	delays map[string]time.Duration
	panics map[string]bool
}

func (c *fakeController) Delay(_ context.Context, name, _ string, _ time.Duration) (time.Duration, error) {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	c.mu.Unlock()
	if c.panics[name] {
		panic("controller exploded")
	}
	d, ok := c.delays[name]
	if !ok {
		return 0, errors.New("timeout")
	}
	return d, nil
}

func node(name, server string) model.ProxyNode {
	return model.ProxyNode{Name: name, Server: server, Port: "443", Type: "vmess", Credential: "id-" + server, Network: "tcp"}
}

func TestProbe_ResultsAlignedAndSingleTeardown(t *testing.T) {
	proc := &fakeProcess{}
	launcher := &fakeLauncher{proc: proc}
	ctrl := &fakeController{
		delays: map[string]time.Duration{"a": 120 * time.Millisecond, "c": 40 * time.Millisecond},
	}
	p := NewProber(Options{Workspace: t.TempDir(), Concurrency: 2}, launcher, ctrl)

	nodes := []model.ProxyNode{node("a", "a.com"), node("b", "b.com"), node("c", "c.com")}
	results, err := p.Probe(context.Background(), nodes)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, r := range results {
		assert.Equal(t, i, r.Index)
	}
	assert.True(t, results[0].Alive)
	assert.Equal(t, 120*time.Millisecond, results[0].Latency)
	assert.False(t, results[1].Alive)
	assert.Error(t, results[1].Err)
	assert.True(t, results[2].Alive)

	assert.Equal(t, int32(1), proc.terminated.Load())
	assert.Equal(t, 1, launcher.launches)

	survivors := Survivors(nodes, results)
	require.Len(t, survivors, 2)
	assert.Equal(t, "a", survivors[0].Name)
	assert.Equal(t, "c", survivors[1].Name)
	assert.Equal(t, 40*time.Millisecond, survivors[1].Latency)
}

func TestProbe_PanicStillTearsDownOnce(t *testing.T) {
	proc := &fakeProcess{}
	ctrl := &fakeController{
		delays: map[string]time.Duration{"ok": 10 * time.Millisecond},
		panics: map[string]bool{"boom": true},
	}
	p := NewProber(Options{Workspace: t.TempDir()}, &fakeLauncher{proc: proc}, ctrl)

	results, err := p.Probe(context.Background(), []model.ProxyNode{node("ok", "1.1.1.1"), node("boom", "2.2.2.2")})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Alive)
	assert.False(t, results[1].Alive)
	assert.Contains(t, results[1].Err.Error(), "panicked")
	assert.Equal(t, int32(1), proc.terminated.Load())
}

func TestProbe_LaunchFailure(t *testing.T) {
	ctrl := &fakeController{}
	p := NewProber(Options{Workspace: t.TempDir()}, &fakeLauncher{err: errors.New("no binary")}, ctrl)

	results, err := p.Probe(context.Background(), []model.ProxyNode{node("a", "a.com")})
	assert.ErrorIs(t, err, ErrCannotValidate)
	assert.Nil(t, results)
	assert.Empty(t, ctrl.calls)
}

func TestProbe_CancelledDuringSettle(t *testing.T) {
	proc := &fakeProcess{}
	ctrl := &fakeController{}
	p := NewProber(Options{Workspace: t.TempDir(), SettleMin: time.Hour, SettleMax: time.Hour}, &fakeLauncher{proc: proc}, ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Probe(ctx, []model.ProxyNode{node("a", "a.com")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ctrl.calls)
	assert.Equal(t, int32(1), proc.terminated.Load())
}

func TestProbe_SettleWithinBounds(t *testing.T) {
	p := NewProber(Options{Workspace: t.TempDir(), SettleMin: 3 * time.Second, SettleMax: 6 * time.Second},
		&fakeLauncher{proc: &fakeProcess{}}, &fakeController{})
	var slept []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	for i := 0; i < 20; i++ {
		_, err := p.Probe(context.Background(), []model.ProxyNode{node("a", "a.com")})
		require.NoError(t, err)
	}
	require.Len(t, slept, 20)
	for _, d := range slept {
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 6*time.Second)
	}
}

func TestProbe_WritesConfigWithUniqueNames(t *testing.T) {
	dir := t.TempDir()
	launcher := &fakeLauncher{proc: &fakeProcess{}}
	p := NewProber(Options{Workspace: dir, ControllerAddr: "127.0.0.1:9090", MixedPort: 7890}, launcher, &fakeController{})

	nodes := []model.ProxyNode{node("dup", "a.com"), node("dup", "b.com"), node("", "c.com")}
	_, err := p.Probe(context.Background(), nodes)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.yaml"), launcher.config)

	raw, err := os.ReadFile(launcher.config)
	require.NoError(t, err)
	var doc struct {
		MixedPort  int              `yaml:"mixed-port"`
		Controller string           `yaml:"external-controller"`
		Proxies    []map[string]any `yaml:"proxies"`
		Groups     []struct {
			Name    string   `yaml:"name"`
			Type    string   `yaml:"type"`
			Proxies []string `yaml:"proxies"`
		} `yaml:"proxy-groups"`
		Rules []string `yaml:"rules"`
	}
	require.NoError(t, yaml.Unmarshal(raw, &doc))
	assert.Equal(t, 7890, doc.MixedPort)
	assert.Equal(t, "127.0.0.1:9090", doc.Controller)
	require.Len(t, doc.Proxies, 3)
	require.Len(t, doc.Groups, 1)
	assert.Equal(t, "select", doc.Groups[0].Type)
	assert.Equal(t, []string{"dup", "dup-2", "node-3"}, doc.Groups[0].Proxies)
	assert.Equal(t, []string{"MATCH," + GroupName}, doc.Rules)
}

func TestAssignNames(t *testing.T) {
	nodes := []model.ProxyNode{{Name: "x"}, {Name: "x-2"}, {Name: "x"}, {Name: "x"}}
	assert.Equal(t, []string{"x", "x-2", "x-3", "x-4"}, AssignNames(nodes))
}

func TestHTTPController_Delay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5000", r.URL.Query().Get("timeout"))
		assert.Equal(t, "https://www.google.com/generate_204", r.URL.Query().Get("url"))
		switch r.URL.Path {
		case "/proxies/香港 01/delay":
			_, _ = w.Write([]byte(`{"delay":87}`))
		default:
			w.WriteHeader(http.StatusGatewayTimeout)
			_, _ = w.Write([]byte(`{"message":"Timeout"}`))
		}
	}))
	defer srv.Close()

	c := NewHTTPController(strings.TrimPrefix(srv.URL, "http://"), srv.Client())
	d, err := c.Delay(context.Background(), "香港 01", "https://www.google.com/generate_204", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 87*time.Millisecond, d)

	_, err = c.Delay(context.Background(), "dead", "https://www.google.com/generate_204", 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Timeout")
}

func TestExecLauncher_StartsAndTerminates(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script engine stub requires a POSIX shell")
	}
	dir := t.TempDir()
	script := "#!/bin/sh\necho \"$@\" > \"" + filepath.Join(dir, "args.txt") + "\"\nexec sleep 30\n"
	// 故意不设置可执行位，Launch 负责 chmod
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clash"), []byte(script), 0o644))

	l := &ExecLauncher{Workspace: dir, BinName: "clash"}
	proc, err := l.Launch(context.Background(), filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		raw, err := os.ReadFile(filepath.Join(dir, "args.txt"))
		return err == nil && strings.TrimSpace(string(raw)) == "-d "+dir+" -f "+filepath.Join(dir, "config.yaml")
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, proc.Terminate())
	require.NoError(t, proc.Terminate())
}

func TestExecLauncher_MissingBinary(t *testing.T) {
	l := &ExecLauncher{Workspace: t.TempDir(), BinName: "missing"}
	_, err := l.Launch(context.Background(), "config.yaml")
	assert.Error(t, err)
}
