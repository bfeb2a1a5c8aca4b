package redact

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// GuardrailsConfig holds block terms and deny regexes applied to questions
// (pre-guard) and answers (post-guard).
type GuardrailsConfig struct {
	BlockTerms []string `yaml:"block_terms"`
	DenyRegex  []string `yaml:"deny_regex"`

	compiled []*regexp.Regexp
}

var defaultBlockTerms = []string{
	"ignore previous",
	"disregard all instructions",
	"rm -rf",
	"drop database",
	"bypass safety",
	"prompt injection",
}

var defaultDenyRegex = []string{
	`(?i)passwd`,
	`(?i)shadow`,
	`(?i)aws_access_key_id`,
}

// DefaultGuardrails returns the built-in guardrails configuration.
func DefaultGuardrails() *GuardrailsConfig {
	cfg := &GuardrailsConfig{
		BlockTerms: append([]string(nil), defaultBlockTerms...),
		DenyRegex:  append([]string(nil), defaultDenyRegex...),
	}
	cfg.compile()
	return cfg
}

// LoadGuardrails reads a guardrails YAML file, falling back to defaults when
// the path is empty or unreadable.
func LoadGuardrails(path string) *GuardrailsConfig {
	if path == "" {
		return DefaultGuardrails()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return DefaultGuardrails()
	}
	var cfg GuardrailsConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return DefaultGuardrails()
	}
	if len(cfg.BlockTerms) == 0 {
		cfg.BlockTerms = append([]string(nil), defaultBlockTerms...)
	}
	if len(cfg.DenyRegex) == 0 {
		cfg.DenyRegex = append([]string(nil), defaultDenyRegex...)
	}
	cfg.compile()
	return &cfg
}

func (c *GuardrailsConfig) compile() {
	c.compiled = c.compiled[:0]
	for _, pat := range c.DenyRegex {
		re, err := regexp.Compile(pat)
		if err != nil {
			continue
		}
		c.compiled = append(c.compiled, re)
	}
}

// Check returns all guardrail violations found in text. Violation codes are
// prefixed "term:" or "re:" with the matched term or pattern.
func (c *GuardrailsConfig) Check(text string) []string {
	var violations []string
	low := strings.ToLower(text)
	for _, term := range c.BlockTerms {
		if term != "" && strings.Contains(low, strings.ToLower(term)) {
			violations = append(violations, fmt.Sprintf("term:%s", term))
		}
	}
	for _, re := range c.compiled {
		if re.MatchString(text) {
			violations = append(violations, fmt.Sprintf("re:%s", re.String()))
		}
	}
	return violations
}

// Guardrails wraps a GuardrailsConfig with optional file hot-reload.
type Guardrails struct {
	mu      sync.RWMutex
	cfg     *GuardrailsConfig
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger
}

// NewGuardrails loads guardrails from path (or defaults) and, when a path is
// given, watches it for changes so edits apply without a restart.
func NewGuardrails(path string, logger *zap.Logger) *Guardrails {
	g := &Guardrails{cfg: LoadGuardrails(path), path: path, logger: logger}
	if path == "" {
		return g
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("guardrails watcher unavailable", zap.Error(err))
		return g
	}
	if err := watcher.Add(path); err != nil {
		logger.Warn("guardrails watch failed", zap.String("path", path), zap.Error(err))
		watcher.Close()
		return g
	}
	g.watcher = watcher
	go g.watchLoop()
	return g
}

func (g *Guardrails) watchLoop() {
	for {
		select {
		case ev, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				cfg := LoadGuardrails(g.path)
				g.mu.Lock()
				g.cfg = cfg
				g.mu.Unlock()
				g.logger.Info("guardrails reloaded", zap.String("path", g.path))
			}
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			g.logger.Warn("guardrails watch error", zap.Error(err))
		}
	}
}

// Close stops the file watcher.
func (g *Guardrails) Close() {
	if g.watcher != nil {
		g.watcher.Close()
	}
}

// PreGuard checks a question before generation.
func (g *Guardrails) PreGuard(question string) (bool, []string) {
	g.mu.RLock()
	cfg := g.cfg
	g.mu.RUnlock()
	violations := cfg.Check(question)
	return len(violations) == 0, violations
}

// PostGuard checks an answer after generation.
func (g *Guardrails) PostGuard(answer string) (bool, []string) {
	g.mu.RLock()
	cfg := g.cfg
	g.mu.RUnlock()
	violations := cfg.Check(answer)
	return len(violations) == 0, violations
}
