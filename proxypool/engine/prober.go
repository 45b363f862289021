// Package engine 驱动外部代理内核测量节点连通性和延迟。
//
// 一个批次的流程：生成包含全部节点的配置、启动内核、等待其就绪、
// 并发调用控制接口探测每个节点，最后无论成功与否都恰好关闭内核一次。
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"subscribe_nexus/internal/shared/logger"
	"subscribe_nexus/proxypool/executor"
	"subscribe_nexus/proxypool/model"
)

// ErrCannotValidate 表示内核无法启动，整个批次没有被探测。
var ErrCannotValidate = errors.New("cannot validate proxies: engine unavailable")

// Options 配置探测批次。
type Options struct {
	Workspace      string
	ConfigFile     string
	ControllerAddr string
	MixedPort      int
	TestURL        string
	Timeout        time.Duration
	Concurrency    int
	// 启动后在 [SettleMin, SettleMax] 内随机等待，SettleMax 为 0 时不等待。
	SettleMin    time.Duration
	SettleMax    time.Duration
	ShowProgress bool
}

// Prober 对一批节点执行探测。同一个 Prober 上的批次串行执行，
// 因为它们共享同一个配置文件和控制端口。
type Prober struct {
	opts       Options
	launcher   Launcher
	controller Controller

	mu    sync.Mutex
	sleep func(ctx context.Context, d time.Duration) error
}

// NewProber 创建一个 Prober。
func NewProber(opts Options, launcher Launcher, controller Controller) *Prober {
	if opts.ConfigFile == "" {
		opts.ConfigFile = "config.yaml"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.SettleMax < opts.SettleMin {
		opts.SettleMax = opts.SettleMin
	}
	return &Prober{
		opts:       opts,
		launcher:   launcher,
		controller: controller,
		sleep:      sleepContext,
	}
}

// session 持有一个批次内运行中的内核，Close 只会真正终止一次。
type session struct {
	proc Process
	once sync.Once
}

func (s *session) Close() {
	s.once.Do(func() {
		l := logger.WithComponent("ProxyPool/Engine")
		if err := s.proc.Terminate(); err != nil {
			l.Warn().Err(err).Msg("Failed to terminate engine")
			return
		}
		l.Debug().Msg("Engine terminated")
	})
}

// Probe 探测所有节点，返回与输入索引对齐的结果。
// 内核无法启动时返回 ErrCannotValidate，此时没有任何节点被探测。
func (p *Prober) Probe(ctx context.Context, nodes []model.ProxyNode) ([]model.ProbeResult, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	l := logger.WithComponent("ProxyPool/Engine")

	p.mu.Lock()
	defer p.mu.Unlock()

	names := AssignNames(nodes)
	cfgPath, err := p.writeConfig(nodes, names)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotValidate, err)
	}

	proc, err := p.launcher.Launch(ctx, cfgPath)
	if err != nil {
		l.Error().Err(err).Msg("Failed to launch engine")
		return nil, fmt.Errorf("%w: %v", ErrCannotValidate, err)
	}
	s := &session{proc: proc}
	defer s.Close()

	if err := p.settle(ctx); err != nil {
		return nil, err
	}

	l.Info().Int("nodes", len(nodes)).Msg("Probing proxies")
	indices := make([]int, len(nodes))
	for i := range indices {
		indices[i] = i
	}
	results := executor.Run(ctx, indices, func(ctx context.Context, i int) (time.Duration, error) {
		return p.controller.Delay(ctx, names[i], p.opts.TestURL, p.opts.Timeout)
	}, executor.Options{
		Concurrency:  p.opts.Concurrency,
		ShowProgress: p.opts.ShowProgress,
		Description:  "probing",
	})

	out := make([]model.ProbeResult, len(nodes))
	alive := 0
	for i, r := range results {
		out[i] = model.ProbeResult{Index: i, Name: names[i], Err: r.Err}
		if r.Err == nil && r.Value > 0 {
			out[i].Alive = true
			out[i].Latency = r.Value
			alive++
		}
	}
	l.Info().Int("alive", alive).Int("total", len(nodes)).Msg("Probe batch finished")
	return out, nil
}

// Survivors 把探测结果写回节点，只返回可达的节点，名称改为批次内的唯一名称。
func Survivors(nodes []model.ProxyNode, results []model.ProbeResult) []model.ProxyNode {
	out := make([]model.ProxyNode, 0, len(results))
	for _, r := range results {
		if !r.Alive || r.Index < 0 || r.Index >= len(nodes) {
			continue
		}
		n := nodes[r.Index].Clone()
		alive := true
		n.Name = r.Name
		n.Alive = &alive
		n.Latency = r.Latency
		out = append(out, n)
	}
	return out
}

func (p *Prober) writeConfig(nodes []model.ProxyNode, names []string) (string, error) {
	data, err := BuildConfig(nodes, names, p.opts.ControllerAddr, p.opts.MixedPort)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(p.opts.Workspace, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	path := filepath.Join(p.opts.Workspace, p.opts.ConfigFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write engine config: %w", err)
	}
	return path, nil
}

func (p *Prober) settle(ctx context.Context) error {
	if p.opts.SettleMax <= 0 {
		return nil
	}
	d := p.opts.SettleMin
	if span := p.opts.SettleMax - p.opts.SettleMin; span > 0 {
		d += time.Duration(rand.Int63n(int64(span) + 1))
	}
	return p.sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
