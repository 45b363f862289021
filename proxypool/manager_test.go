package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subscribe_nexus/internal/shared/config"
	"subscribe_nexus/internal/shared/metrics"
	"subscribe_nexus/internal/shared/types"
	"subscribe_nexus/proxypool/aggregator"
	"subscribe_nexus/proxypool/engine"
	"subscribe_nexus/proxypool/executor"
	"subscribe_nexus/proxypool/gist"
	"subscribe_nexus/proxypool/lifecycle"
	"subscribe_nexus/proxypool/model"
	"subscribe_nexus/proxypool/normalizer"
	"subscribe_nexus/proxypool/storage"
	"subscribe_nexus/proxypool/vmess"
)

const (
	subOne   = "https://s1.example/sub"
	siteLink = "https://site.example/api/v1/client/subscribe?token=t"
)

const subOneDoc = `proxies:
  - {name: hk-1, type: vmess, server: hk1.example.com, port: 443, uuid: u1, alterId: 0, cipher: auto, network: ws, tls: true}
  - {name: hk-2, type: vmess, server: hk2.example.com, port: 443, uuid: u2}
  - {name: broken, type: vmess, server: "", port: 443, uuid: u3}
`

const siteDoc = `proxies:
  - {name: jp-1, type: trojan, server: jp1.example.com, port: 443, password: pw}
  - {name: hk-1, type: vmess, server: us1.example.com, port: 8443, uuid: u4}
`

type fakeAssigner struct {
	result   *aggregator.Result
	existing []string
}

func (f *fakeAssigner) Assign(context.Context, aggregator.Options) (*aggregator.Result, error) {
	return f.result, nil
}

func (f *fakeAssigner) LoadExisting(context.Context, aggregator.Options) ([]string, error) {
	return f.existing, nil
}

type fakeFetcher map[string]string

func (f fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	content, ok := f[url]
	if !ok {
		return nil, fmt.Errorf("GET %s: connection refused", url)
	}
	return []byte(content), nil
}

type fakeProber struct {
	latency map[string]time.Duration
	err     error
	batches int
}

func (p *fakeProber) Probe(_ context.Context, nodes []model.ProxyNode) ([]model.ProbeResult, error) {
	p.batches++
	if p.err != nil {
		return nil, p.err
	}
	names := engine.AssignNames(nodes)
	out := make([]model.ProbeResult, len(nodes))
	for i, n := range nodes {
		d, ok := p.latency[n.Server]
		out[i] = model.ProbeResult{Index: i, Name: names[i], Alive: ok, Latency: d}
	}
	return out, nil
}

type fakePublisher struct {
	mu    sync.Mutex
	files map[string]map[string]string
}

func (p *fakePublisher) FileContent(_ context.Context, id, filename string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	content, ok := p.files[id][filename]
	if !ok {
		return "", fmt.Errorf("%s: %w", filename, gist.ErrFileNotFound)
	}
	return content, nil
}

func (p *fakePublisher) Update(_ context.Context, id string, files map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.files == nil {
		p.files = map[string]map[string]string{}
	}
	if p.files[id] == nil {
		p.files[id] = map[string]string{}
	}
	for name, content := range files {
		p.files[id][name] = content
	}
	return nil
}

type statusFunc func(ctx context.Context, url string) (model.SubscriptionStatus, error)

func (f statusFunc) CheckStatus(ctx context.Context, url string) (model.SubscriptionStatus, error) {
	return f(ctx, url)
}

var fixedNow = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

type fixture struct {
	dir       string
	cfg       *types.Config
	env       types.Env
	assigner  *fakeAssigner
	fetcher   fakeFetcher
	prober    *fakeProber
	publisher *fakePublisher
	metrics   *metrics.Run
}

func newFixture(t *testing.T) *fixture {
	cfg := config.Default()
	cfg.CollectConf.Display = false
	cfg.OutputConf.MaxCount = 2

	return &fixture{
		dir: t.TempDir(),
		cfg: cfg,
		env: types.Env{GistToken: "t", GistUsername: "alice", GistID: "main", V2rayGistLink: "bob/out"},
		assigner: &fakeAssigner{result: &aggregator.Result{Tasks: []model.TaskConfig{
			{ID: "1", Name: "s1", Sub: subOne},
			{ID: "2", Name: "site", Domain: siteLink},
			{ID: "3", Name: "plain", Domain: "https://plain.example"},
		}}},
		fetcher: fakeFetcher{subOne: subOneDoc, siteLink: siteDoc},
		prober: &fakeProber{latency: map[string]time.Duration{
			"hk1.example.com": 100 * time.Millisecond,
			"jp1.example.com": 50 * time.Millisecond,
			"us1.example.com": 200 * time.Millisecond,
		}},
		publisher: &fakePublisher{},
		metrics:   metrics.NewRun("test"),
	}
}

func (f *fixture) manager(checker lifecycle.StatusChecker) *Manager {
	deps := Deps{
		Storage:    storage.NewFileStorage(f.dir),
		Aggregator: f.assigner,
		Fetcher:    f.fetcher,
		Prober:     f.prober,
		Publisher:  f.publisher,
		Metrics:    f.metrics,
		Now:        func() time.Time { return fixedNow },
	}
	if checker != nil {
		deps.Lifecycle = lifecycle.NewFilter(checker, executor.Options{Concurrency: 2})
	}
	return NewManager(f.cfg, f.env, deps)
}

func (f *fixture) read(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	require.NoError(t, err)
	return string(data)
}

func TestCollect_EndToEnd(t *testing.T) {
	f := newFixture(t)
	report, err := f.manager(nil).Collect(context.Background(), CollectOptions{})
	require.NoError(t, err)

	assert.Equal(t, &Report{Tasks: 3, Parsed: 5, Alive: 3, Published: 2}, report)
	assert.Equal(t, 1, f.prober.batches)
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.NodesAlive))

	nodes, err := normalizer.Parse([]byte(f.read(t, "clash.yaml")))
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "jp-1", nodes[0].Name)
	assert.Equal(t, "hk-1", nodes[1].Name)

	lines := strings.Split(strings.TrimSpace(f.read(t, "v2ray.txt")), "\n")
	require.Len(t, lines, 2)
	marker, err := vmess.Decode(lines[0])
	require.NoError(t, err)
	assert.Equal(t, "Update Date: 2024-01-02 03:04:05", marker.Name)
	hk, err := vmess.Decode(lines[1])
	require.NoError(t, err)
	assert.Equal(t, "hk1.example.com", hk.Server)

	assert.Equal(t, subOne+"\n"+siteLink+"\n", f.read(t, "subscribes.txt"))

	published := f.publisher.files["main"]
	require.NotNil(t, published)
	assert.Contains(t, published, "clash.yaml")
	assert.Contains(t, published, "v2ray.txt")
	assert.Equal(t, subOne+"\n"+siteLink+"\n", published["subscribes.txt"])
}

func TestCollect_SkipsPublishWithoutCredentials(t *testing.T) {
	f := newFixture(t)
	f.env = types.Env{}
	_, err := f.manager(nil).Collect(context.Background(), CollectOptions{MaxCount: 1})
	require.NoError(t, err)
	assert.Empty(t, f.publisher.files)

	nodes, err := normalizer.Parse([]byte(f.read(t, "clash.yaml")))
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestCollect_KeepsSubscriptionsBeyondTheCut(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager(nil).Collect(context.Background(), CollectOptions{MaxCount: 1})
	require.NoError(t, err)

	nodes, err := normalizer.Parse([]byte(f.read(t, "clash.yaml")))
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "jp-1", nodes[0].Name)

	// hk-1 没有进入前 1 名，但 subOne 仍有存活节点
	assert.Equal(t, subOne+"\n"+siteLink+"\n", f.read(t, "subscribes.txt"))
	assert.Equal(t, subOne+"\n"+siteLink+"\n", f.publisher.files["main"]["subscribes.txt"])
}

func TestCollect_TerminatingConditions(t *testing.T) {
	f := newFixture(t)
	f.assigner.result = &aggregator.Result{}
	_, err := f.manager(nil).Collect(context.Background(), CollectOptions{})
	assert.ErrorIs(t, err, ErrNoSources)

	f = newFixture(t)
	f.fetcher = fakeFetcher{}
	_, err = f.manager(nil).Collect(context.Background(), CollectOptions{})
	assert.ErrorIs(t, err, ErrNoNodes)
	assert.Zero(t, f.prober.batches)

	f = newFixture(t)
	f.prober.latency = nil
	_, err = f.manager(nil).Collect(context.Background(), CollectOptions{})
	assert.ErrorIs(t, err, ErrNoSurvivors)
	_, statErr := os.Stat(filepath.Join(f.dir, "clash.yaml"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCollect_EngineLaunchFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.prober.err = fmt.Errorf("%w: exec: not found", engine.ErrCannotValidate)
	_, err := f.manager(nil).Collect(context.Background(), CollectOptions{})
	assert.ErrorIs(t, err, engine.ErrCannotValidate)
	assert.Empty(t, f.publisher.files)
}

func TestFastest(t *testing.T) {
	f := newFixture(t)
	f.assigner.existing = []string{subOne}
	report, err := f.manager(nil).Fastest(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Published)

	nodes, err := normalizer.Parse([]byte(f.publisher.files["out"]["fastest_proxies.yaml"]))
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "hk1.example.com", nodes[0].Server)
	assert.FileExists(t, filepath.Join(f.dir, "fastest_proxies.yaml"))

	f.assigner.existing = nil
	_, err = f.manager(nil).Fastest(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNoSources)
}

func TestFastest_SkipsUploadWithoutOutputLink(t *testing.T) {
	f := newFixture(t)
	f.env.V2rayGistLink = ""
	f.assigner.existing = []string{subOne}

	report, err := f.manager(nil).Fastest(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Published)
	assert.FileExists(t, filepath.Join(f.dir, "fastest_proxies.yaml"))
	assert.Empty(t, f.publisher.files)
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "subscribes.txt"),
		[]byte("https://a.example/sub\nhttps://b.example/sub\nhttps://c.example/sub\n"), 0o644))
	f.cfg.LifecycleConf.QuotaThresholdGB = 1

	checker := statusFunc(func(_ context.Context, url string) (model.SubscriptionStatus, error) {
		switch url {
		case "https://b.example/sub":
			return model.SubscriptionStatus{Alive: true, RemainingLife: -1, ResidualQuota: 0.2}, nil
		case "https://c.example/sub":
			return model.SubscriptionStatus{}, errors.New("timeout")
		}
		return model.UnknownStatus(true), nil
	})

	report, err := f.manager(checker).Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Discarded)
	assert.Equal(t, "https://a.example/sub\n", f.read(t, "subscribes.txt"))
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.SubscriptionsDiscarded))
}

func TestConvert(t *testing.T) {
	f := newFixture(t)
	f.publisher.files = map[string]map[string]string{"main": {"v2ray.txt": "vmess://old\n"}}
	require.NoError(t, f.manager(nil).Convert(context.Background()))

	out := f.publisher.files["out"]["v2ray.txt"]
	lines := strings.Split(out, "\n")
	marker, err := vmess.Decode(lines[0])
	require.NoError(t, err)
	assert.Equal(t, "Update Date: 2024-01-02 03:04:05", marker.Name)
	assert.Equal(t, "vmess://old", lines[1])

	f.publisher.files = map[string]map[string]string{}
	err = f.manager(nil).Convert(context.Background())
	assert.ErrorIs(t, err, gist.ErrFileNotFound)
}

func TestConvert_BareOutputID(t *testing.T) {
	f := newFixture(t)
	f.env.V2rayGistLink = "out"
	f.publisher.files = map[string]map[string]string{"main": {"v2ray.txt": "vmess://old\n"}}
	require.NoError(t, f.manager(nil).Convert(context.Background()))
	assert.True(t, strings.HasSuffix(f.publisher.files["out"]["v2ray.txt"], "\nvmess://old\n"))
}

func TestCustom(t *testing.T) {
	f := newFixture(t)
	f.env.CustomizeLink = "https://custom.example/list"
	f.fetcher["https://custom.example/list"] = "https://c1.example/clash\n# skipped\nhttps://c2.example/clash\n"
	f.fetcher["https://c1.example/clash"] = `proxies:
  - {name: v1, type: vmess, server: v1.example.com, port: 443, uuid: id1}
  - {name: s1, type: ss, server: s1.example.com, port: 8388, password: pw, cipher: aes-256-gcm}
`

	report, err := f.manager(nil).Custom(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Tasks)
	assert.Equal(t, 2, report.Parsed)
	assert.Equal(t, 1, report.Published)

	content := f.publisher.files["main"]["v2ray.txt"]
	lines := strings.Split(strings.TrimSpace(content), "\n")
	require.Len(t, lines, 2)
	node, err := vmess.Decode(lines[1])
	require.NoError(t, err)
	assert.Equal(t, "v1.example.com", node.Server)
	assert.Equal(t, content, f.read(t, "v2ray.txt"))
}
