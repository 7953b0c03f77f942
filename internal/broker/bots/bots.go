// Package bots manages the named capability bundles a user's command
// selects: system prompt, model, allowed tools, and budgets. Bundles load
// from an embedded bots.json with an optional file override.
package bots

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/common/logger"
)

//go:embed bots.json
var botsFS embed.FS

// botsConfig is the structure of the bots.json file.
type botsConfig struct {
	Version string `json:"version"`
	Bots    []*Bot `json:"bots"`
}

// Bot is one capability bundle.
type Bot struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	SystemPrompt string   `json:"system_prompt"`
	Model        string   `json:"model"`
	AllowedTools []string `json:"allowed_tools"`
	// PlanningTools is the restricted tool set used for the decomposition
	// planning pre-pass. Defaults to read-only tools.
	PlanningTools []string `json:"planning_tools,omitempty"`
	MaxBudget     float64  `json:"max_budget"`
	MaxTurns      int      `json:"max_turns"`
	// MaxContinuations bounds the auto-continuation loop on the agent side.
	MaxContinuations int `json:"max_continuations"`
	// DecomposeThreshold is the prompt length above which a "feature:"
	// request is split into subtasks. Zero disables decomposition.
	DecomposeThreshold int  `json:"decompose_threshold"`
	Enabled            bool `json:"enabled"`
}

// Registry holds the loaded bot bundles keyed by name.
type Registry struct {
	mu     sync.RWMutex
	bots   map[string]*Bot
	logger *logger.Logger
}

// NewRegistry loads the embedded bots.json. When overridePath names an
// existing file, its bundles replace the embedded ones wholesale.
func NewRegistry(overridePath string, log *logger.Logger) (*Registry, error) {
	if log == nil {
		log = logger.Default()
	}
	r := &Registry{
		bots:   make(map[string]*Bot),
		logger: log.WithFields(zap.String("component", "bot_registry")),
	}

	data, err := botsFS.ReadFile("bots.json")
	if err != nil {
		return nil, fmt.Errorf("read embedded bots.json: %w", err)
	}
	if overridePath != "" {
		if fileData, err := os.ReadFile(overridePath); err == nil {
			r.logger.Info("Loading bot registry override", zap.String("path", overridePath))
			data = fileData
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read bots override %s: %w", overridePath, err)
		}
	}

	var cfg botsConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse bots.json: %w", err)
	}
	for _, b := range cfg.Bots {
		if err := validateBot(b); err != nil {
			return nil, fmt.Errorf("bot %q: %w", b.Name, err)
		}
		r.bots[b.Name] = b
	}
	r.logger.Info("Bot registry loaded", zap.Int("bots", len(r.bots)))
	return r, nil
}

// Get returns the named bot bundle.
func (r *Registry) Get(name string) (*Bot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bots[name]
	if !ok || !b.Enabled {
		return nil, fmt.Errorf("bot not found: %s", name)
	}
	return b, nil
}

// List returns all enabled bots sorted by name.
func (r *Registry) List() []*Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Bot, 0, len(r.bots))
	for _, b := range r.bots {
		if b.Enabled {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ShouldDecompose reports whether a prompt for this bot is complex enough
// to be split into subtasks by the planning pre-pass.
func (b *Bot) ShouldDecompose(prompt string) bool {
	return b.DecomposeThreshold > 0 && len(prompt) >= b.DecomposeThreshold
}

// PlanningToolSet returns the tool set for the planning pre-pass, falling
// back to a read-only default when the bundle does not name one.
func (b *Bot) PlanningToolSet() []string {
	if len(b.PlanningTools) > 0 {
		return b.PlanningTools
	}
	return []string{"Read", "Glob", "Grep"}
}

func validateBot(b *Bot) error {
	if b.Name == "" {
		return fmt.Errorf("name is required")
	}
	if b.Model == "" {
		return fmt.Errorf("model is required")
	}
	if b.MaxTurns <= 0 {
		return fmt.Errorf("max_turns must be positive")
	}
	return nil
}
