package crew

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/crewkit/crewkit/config"
	"github.com/crewkit/crewkit/store"
)

// ============================================================================
// CREW REGISTRY
// ============================================================================

// agentCrew is one agent's loaded crew set. Order preserves load order so
// default resolution is deterministic.
type agentCrew struct {
	members map[string]Member
	order   []string
}

// Registry loads and caches crew members per agent. Database-sourced
// members load first; file-sourced members overlay them, winning on name
// collision. A failing entry is skipped with a warning, never poisoning the
// rest of the load.
type Registry struct {
	mu       sync.RWMutex
	cache    map[string]*agentCrew
	loads    singleflight.Group
	crewRoot string
	agents   map[string]config.AgentConfig
	configs  store.CrewConfigStore
	logger   *slog.Logger
}

// NewRegistry creates a registry. crewRoot is the directory holding
// per-agent crew directories; configStore may be nil when no database backs
// crew definitions.
func NewRegistry(crewRoot string, agents []config.AgentConfig, configStore store.CrewConfigStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]config.AgentConfig, len(agents))
	for _, agent := range agents {
		byName[agent.Name] = agent
	}
	return &Registry{
		cache:    make(map[string]*agentCrew),
		crewRoot: crewRoot,
		agents:   byName,
		configs:  configStore,
		logger:   logger,
	}
}

// LoadForAgent returns the agent's crew map, loading it on first use.
// Concurrent loads for the same agent are deduplicated.
func (r *Registry) LoadForAgent(ctx context.Context, agentName string) (map[string]Member, error) {
	r.mu.RLock()
	cached, exists := r.cache[agentName]
	r.mu.RUnlock()
	if exists {
		return cached.members, nil
	}

	result, err, _ := r.loads.Do(agentName, func() (any, error) {
		loaded := r.load(ctx, agentName)
		r.mu.Lock()
		r.cache[agentName] = loaded
		r.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*agentCrew).members, nil
}

// Get returns the named crew member for an agent.
func (r *Registry) Get(ctx context.Context, agentName, crewName string) (Member, bool) {
	members, err := r.LoadForAgent(ctx, agentName)
	if err != nil {
		return nil, false
	}
	member, ok := members[crewName]
	return member, ok
}

// Default returns the agent's default crew member: the first loaded member
// marked default, or the first loaded member when none is marked.
func (r *Registry) Default(ctx context.Context, agentName string) (Member, bool) {
	if _, err := r.LoadForAgent(ctx, agentName); err != nil {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	crew := r.cache[agentName]
	if crew == nil || len(crew.order) == 0 {
		return nil, false
	}
	for _, name := range crew.order {
		if crew.members[name].Config().IsDefault {
			return crew.members[name], true
		}
	}
	return crew.members[crew.order[0]], true
}

// List returns the agent's crew members in load order.
func (r *Registry) List(ctx context.Context, agentName string) []Member {
	if _, err := r.LoadForAgent(ctx, agentName); err != nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	crew := r.cache[agentName]
	if crew == nil {
		return nil
	}
	members := make([]Member, 0, len(crew.order))
	for _, name := range crew.order {
		members = append(members, crew.members[name])
	}
	return members
}

// Has reports whether the agent has at least one crew member.
func (r *Registry) Has(ctx context.Context, agentName string) bool {
	members, err := r.LoadForAgent(ctx, agentName)
	return err == nil && len(members) > 0
}

// Put registers a programmatic crew member, creating the agent's crew set
// when needed. Code-defined crews use this to attach tool handlers and
// specialised hooks.
func (r *Registry) Put(agentName string, member Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	crew := r.cache[agentName]
	if crew == nil {
		crew = &agentCrew{members: make(map[string]Member)}
		r.cache[agentName] = crew
	}
	name := member.Config().Name
	if _, exists := crew.members[name]; !exists {
		crew.order = append(crew.order, name)
	}
	crew.members[name] = member
}

// Reload drops the agent's cache entry and re-executes the load.
func (r *Registry) Reload(ctx context.Context, agentName string) error {
	r.mu.Lock()
	delete(r.cache, agentName)
	r.mu.Unlock()

	_, err := r.LoadForAgent(ctx, agentName)
	return err
}

// ReloadAll re-executes the load for every cached agent.
func (r *Registry) ReloadAll(ctx context.Context) {
	r.mu.Lock()
	names := make([]string, 0, len(r.cache))
	for name := range r.cache {
		names = append(names, name)
	}
	r.cache = make(map[string]*agentCrew)
	r.mu.Unlock()

	for _, name := range names {
		if err := r.Reload(ctx, name); err != nil {
			r.logger.Warn("crew reload failed", "agent", name, "error", err)
		}
	}
}

// ============================================================================
// LOADING
// ============================================================================

func (r *Registry) load(ctx context.Context, agentName string) *agentCrew {
	crew := &agentCrew{members: make(map[string]Member)}

	// Pass one: database-sourced definitions.
	if r.configs != nil {
		envelopes, err := r.configs.CrewConfigs(ctx, agentName)
		if err != nil {
			r.logger.Warn("failed to load database crew configs", "agent", agentName, "error", err)
		}
		for _, envelope := range envelopes {
			cfg, err := decodeEnvelope(envelope)
			if err != nil {
				r.logger.Warn("skipping malformed database crew config", "agent", agentName, "error", err)
				continue
			}
			cfg.Source = "database"
			r.add(crew, cfg)
		}
	}

	// Pass two: file-sourced definitions overlay database ones.
	dir := r.resolveCrewDir(agentName)
	if dir == "" {
		return crew
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		r.logger.Warn("failed to read crew directory", "agent", agentName, "dir", dir, "error", err)
		return crew
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		cfg, err := loadCrewFile(path)
		if err != nil {
			r.logger.Warn("skipping malformed crew file", "agent", agentName, "file", path, "error", err)
			continue
		}
		cfg.Source = "file"
		if _, exists := crew.members[cfg.Name]; exists {
			r.logger.Info("file crew definition overrides database definition", "agent", agentName, "crew", cfg.Name)
		}
		r.add(crew, cfg)
	}

	return crew
}

func (r *Registry) add(crew *agentCrew, cfg *config.CrewMemberConfig) {
	if _, exists := crew.members[cfg.Name]; !exists {
		crew.order = append(crew.order, cfg.Name)
	}
	crew.members[cfg.Name] = NewBaseMember(cfg)
}

func decodeEnvelope(envelope map[string]any) (*config.CrewMemberConfig, error) {
	var cfg config.CrewMemberConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(envelope); err != nil {
		return nil, fmt.Errorf("failed to decode crew envelope: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadCrewFile(path string) (*config.CrewMemberConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg config.CrewMemberConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse crew file: %w", err)
	}
	if cfg.Name == "" {
		base := filepath.Base(path)
		cfg.Name = strings.TrimSuffix(strings.TrimSuffix(base, ".yaml"), ".yml")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ============================================================================
// DIRECTORY RESOLUTION
// ============================================================================

// resolveCrewDir finds the agent's crew directory. An explicitly configured
// crew_dir wins; otherwise candidate directory names derived from the agent
// name are tried in order. A missing directory is not an error.
func (r *Registry) resolveCrewDir(agentName string) string {
	if agent, ok := r.agents[agentName]; ok && agent.CrewDir != "" {
		dir := agent.CrewDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(r.crewRoot, dir)
		}
		if dirExists(dir) {
			return dir
		}
		r.logger.Warn("configured crew directory does not exist", "agent", agentName, "dir", dir)
		return ""
	}

	for _, candidate := range dirCandidates(agentName) {
		dir := filepath.Join(r.crewRoot, candidate)
		if dirExists(dir) {
			return dir
		}
	}
	return ""
}

// dirCandidates lists the directory names tried for an agent, in order:
// exact, lowercase, dash-slug, alpha-only, first token.
func dirCandidates(agentName string) []string {
	lower := strings.ToLower(agentName)

	slug := strings.NewReplacer(" ", "-", ".", "-").Replace(lower)
	slug = strings.TrimRight(slug, "-")

	var alpha strings.Builder
	for _, r := range lower {
		if r >= 'a' && r <= 'z' {
			alpha.WriteRune(r)
		}
	}

	first := lower
	if fields := strings.Fields(lower); len(fields) > 0 {
		first = fields[0]
	}

	seen := make(map[string]bool, 5)
	var out []string
	for _, candidate := range []string{agentName, lower, slug, alpha.String(), first} {
		if candidate == "" || seen[candidate] {
			continue
		}
		seen[candidate] = true
		out = append(out, candidate)
	}
	return out
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
