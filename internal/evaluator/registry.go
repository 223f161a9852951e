package evaluator

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"quantor/internal/logger"
)

// Profile 描述一个评估器画像：角色视角与系统提示词。
type Profile struct {
	ID           string  `mapstructure:"id" yaml:"id"`
	Role         string  `mapstructure:"role" yaml:"role"`
	Weight       float64 `mapstructure:"weight" yaml:"weight"`
	SystemPrompt string  `mapstructure:"system_prompt" yaml:"system_prompt"`
}

// ProfileFile 映射 profiles 配置文件的根节点。
type ProfileFile struct {
	Evaluators map[string]Profile `mapstructure:"evaluators" yaml:"evaluators"`
}

// ProfileSnapshot 某一时刻的完整画像集合。
type ProfileSnapshot struct {
	Version  int64
	LoadedAt time.Time
	Profiles map[string]Profile
}

// ProfileListener 在热重载后收到新快照。
type ProfileListener func(ProfileSnapshot)

// Registry keeps the evaluator profiles and hot-reloads them when the
// backing file changes. The roster itself is fixed at startup; a reload
// only swaps prompts and weights, never adds or removes evaluators
// mid-flight.
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  ProfileSnapshot
	listeners []ProfileListener
}

// NewRegistry loads path and starts watching it. An empty path yields a
// registry holding only the built-in profiles, without a watcher.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: strings.TrimSpace(path)}
	if r.path == "" {
		r.install(defaultProfiles())
		return r, nil
	}
	v := viper.New()
	v.SetConfigFile(r.path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read profiles failed: %w", err)
	}
	r.v = v
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("profile reload failed: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// Subscribe 注册热重载回调。
func (r *Registry) Subscribe(fn ProfileListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Snapshot 返回当前画像集合的拷贝。
func (r *Registry) Snapshot() ProfileSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneProfileSnapshot(r.snapshot)
}

// Profile 按 ID 查找画像。
func (r *Registry) Profile(id string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.snapshot.Profiles[strings.TrimSpace(strings.ToLower(id))]
	return p, ok
}

// IDs 返回画像 ID 的稳定排序列表。
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.snapshot.Profiles))
	for id := range r.snapshot.Profiles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) reload() error {
	cfg, err := readProfileFile(r.path)
	if err != nil {
		return err
	}
	profiles := defaultProfiles()
	for name, p := range cfg.Evaluators {
		norm := normalizeProfile(name, p)
		if base, ok := profiles[norm.ID]; ok {
			profiles[norm.ID] = mergeProfile(base, norm)
		} else {
			profiles[norm.ID] = norm
		}
	}
	r.install(profiles)
	logger.Infof("Evaluator profiles loaded: %d from %s", len(profiles), filepath.Base(r.path))
	return nil
}

func (r *Registry) install(profiles map[string]Profile) {
	r.mu.Lock()
	r.snapshot = ProfileSnapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Profiles: profiles,
	}
	r.mu.Unlock()
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneProfileSnapshot(r.snapshot)
	listeners := append([]ProfileListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ProfileListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("profile listener panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func normalizeProfile(name string, p Profile) Profile {
	p.ID = strings.ToLower(strings.TrimSpace(p.ID))
	if p.ID == "" {
		p.ID = strings.ToLower(strings.TrimSpace(name))
	}
	p.Role = strings.TrimSpace(p.Role)
	p.SystemPrompt = strings.TrimSpace(p.SystemPrompt)
	return p
}

func mergeProfile(base, over Profile) Profile {
	if over.Role != "" {
		base.Role = over.Role
	}
	if over.Weight > 0 {
		base.Weight = over.Weight
	}
	if over.SystemPrompt != "" {
		base.SystemPrompt = over.SystemPrompt
	}
	return base
}

func cloneProfileSnapshot(src ProfileSnapshot) ProfileSnapshot {
	dst := ProfileSnapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Profiles: make(map[string]Profile, len(src.Profiles)),
	}
	for id, p := range src.Profiles {
		dst.Profiles[id] = p
	}
	return dst
}

func readProfileFile(path string) (ProfileFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ProfileFile{}, fmt.Errorf("read profiles failed: %w", err)
	}
	var cfg ProfileFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return ProfileFile{}, fmt.Errorf("parse profiles failed: %w", err)
	}
	return cfg, nil
}

// defaultProfiles 内置的四个评估器画像。配置文件按 ID 覆盖其中任意字段。
func defaultProfiles() map[string]Profile {
	mk := func(id, role, prompt string, weight float64) Profile {
		return Profile{ID: id, Role: role, Weight: weight, SystemPrompt: prompt}
	}
	return map[string]Profile{
		"technical": mk("technical", "技术面分析",
			"You are a technical analyst for crypto perpetual futures. "+
				"Judge the asset strictly from price structure and the supplied indicators "+
				"(EMA crossovers, RSI regime, MACD momentum, ATR volatility). "+
				"Ignore narratives and fundamentals.", 1.0),
		"ml": mk("ml", "统计模式",
			"You are a quantitative pattern analyst. Treat the recent close series as a "+
				"feature vector: momentum, mean reversion pressure, volatility clustering. "+
				"State the statistical setup you detect and its confidence.", 1.0),
		"quant": mk("quant", "量化信号",
			"You are a systematic signal researcher. Combine trend and intraday timeframes, "+
				"funding rate and open interest into one directional signal. "+
				"Penalize conflicting timeframes with lower confidence.", 1.0),
		"risk": mk("risk", "风险审查",
			"You are a risk officer reviewing a trading desk. Your priority is capital "+
				"preservation: flag overextension, crowded funding, thin structure. "+
				"Prefer hold unless the setup offers clearly asymmetric risk/reward, and "+
				"always supply a conservative stop distance.", 1.0),
	}
}
