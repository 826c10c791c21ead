package rule

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"alert-dispatcher/internal/logger"
)

// ruleFile is the on-disk layout of a rules file.
type ruleFile struct {
	Templates []Template `json:"templates" yaml:"templates"`
	Rules     []ruleSpec `json:"rules" yaml:"rules"`
}

type ruleSpec struct {
	Name        string      `json:"name" yaml:"name"`
	Type        string      `json:"type" yaml:"type"`
	Description string      `json:"description" yaml:"description"`
	Condition   interface{} `json:"condition" yaml:"condition"`
	Template    string      `json:"template" yaml:"template"`
	Priority    int         `json:"priority" yaml:"priority"`
	Active      *bool       `json:"active" yaml:"active"` // defaults to true

	DedupEnabled       bool   `json:"dedupEnabled" yaml:"dedupEnabled"`
	DedupWindowSeconds int    `json:"dedupWindowSeconds" yaml:"dedupWindowSeconds"`
	DedupKey           string `json:"dedupKey" yaml:"dedupKey"`

	RateLimitEnabled       bool `json:"rateLimitEnabled" yaml:"rateLimitEnabled"`
	RateLimitCount         int  `json:"rateLimitCount" yaml:"rateLimitCount"`
	RateLimitWindowSeconds int  `json:"rateLimitWindowSeconds" yaml:"rateLimitWindowSeconds"`
}

// RulesLoader handles loading rules from the filesystem
type RulesLoader struct {
	logger *logger.Logger
}

// NewRulesLoader creates a new rules loader
func NewRulesLoader(log *logger.Logger) *RulesLoader {
	return &RulesLoader{
		logger: log,
	}
}

// LoadFromDirectory loads every .json, .yaml and .yml file below path.
// Malformed rules and templates are logged and left out of the set; only a
// missing or unreadable directory fails the load.
func (l *RulesLoader) LoadFromDirectory(path string) (*RuleSet, error) {
	var files []ruleFile
	var loadErrs []error

	err := filepath.Walk(path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() || !isRuleFile(path) {
			return nil
		}

		l.logger.Debug("loading rule file", "path", path)

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		file, err := parseRuleFile(path, data)
		if err != nil {
			l.logger.Error("failed to parse rule file",
				"path", path,
				"error", err)
			loadErrs = append(loadErrs, &ConfigError{Field: path, Message: err.Error()})
			return nil
		}

		l.logger.Debug("successfully parsed rule file",
			"path", path,
			"templates", len(file.Templates),
			"rules", len(file.Rules))

		files = append(files, file)
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	rs := l.build(files)
	rs.Errors = append(loadErrs, rs.Errors...)

	l.logger.Info("rules loaded successfully",
		"totalRules", len(rs.Rules),
		"templates", len(rs.Templates),
		"excluded", len(rs.Errors))

	return rs, nil
}

// Parse builds a rule set from a single document, using the extension of
// name to pick the decoder.
func (l *RulesLoader) Parse(name string, data []byte) (*RuleSet, error) {
	file, err := parseRuleFile(name, data)
	if err != nil {
		return nil, err
	}
	return l.build([]ruleFile{file}), nil
}

func (l *RulesLoader) build(files []ruleFile) *RuleSet {
	rs := &RuleSet{
		Templates: make(map[string]*Template),
		LoadedAt:  time.Now(),
	}

	for _, file := range files {
		for i := range file.Templates {
			t := file.Templates[i]
			if err := validateTemplateDef(&t); err != nil {
				rs.Errors = append(rs.Errors, l.reject(err))
				continue
			}
			if _, dup := rs.Templates[t.Name]; dup {
				rs.Errors = append(rs.Errors, l.reject(&ConfigError{
					Field:   "templates." + t.Name,
					Message: "duplicate template name",
				}))
				continue
			}
			rs.Templates[t.Name] = &t
		}
	}

	names := make(map[string]bool)
	for _, file := range files {
		for _, spec := range file.Rules {
			r, err := compileRule(spec, rs.Templates)
			if err == nil && names[r.Name] {
				err = &ConfigError{Rule: r.Name, Field: "name", Message: "duplicate rule name"}
			}
			if err != nil {
				rs.Errors = append(rs.Errors, l.reject(err))
				continue
			}
			names[r.Name] = true
			rs.Rules = append(rs.Rules, r)
		}
	}

	return rs
}

func (l *RulesLoader) reject(err error) error {
	l.logger.Warn("rule configuration rejected", "error", err)
	return err
}

func compileRule(spec ruleSpec, templates map[string]*Template) (*Rule, error) {
	cond, err := CompileCondition(spec.Condition)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			cfgErr.Rule = spec.Name
			return nil, cfgErr
		}
		return nil, &ConfigError{Rule: spec.Name, Field: "condition", Message: err.Error()}
	}

	r := &Rule{
		Name:                   spec.Name,
		Type:                   spec.Type,
		Description:            spec.Description,
		Condition:              cond,
		Template:               spec.Template,
		Priority:               spec.Priority,
		IsActive:               spec.Active == nil || *spec.Active,
		DedupEnabled:           spec.DedupEnabled,
		DedupWindowSeconds:     spec.DedupWindowSeconds,
		DedupKey:               spec.DedupKey,
		RateLimitEnabled:       spec.RateLimitEnabled,
		RateLimitCount:         spec.RateLimitCount,
		RateLimitWindowSeconds: spec.RateLimitWindowSeconds,
	}

	if err := validateRule(r, templates); err != nil {
		return nil, err
	}
	return r, nil
}

func parseRuleFile(name string, data []byte) (ruleFile, error) {
	var file ruleFile
	var err error
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		err = json.Unmarshal(data, &file)
	}
	return file, err
}

func isRuleFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
