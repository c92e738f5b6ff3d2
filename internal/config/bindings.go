package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Bindings selects which browser tabs receive a per-tab endpoint.
type Bindings struct {
	URLPatterns     []string `yaml:"url_patterns"`
	ExcludePatterns []string `yaml:"exclude_patterns,omitempty"`

	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// LoadBindings reads and validates a bindings YAML file. A missing file
// yields an os.ErrNotExist-wrapped error; callers fall back to
// DefaultBindings in that case.
func LoadBindings(path string) (*Bindings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bindings config: %w", err)
	}
	return ParseBindings(data)
}

// ParseBindings decodes and compiles bindings YAML.
func ParseBindings(data []byte) (*Bindings, error) {
	var b Bindings
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("bindings config: %w", err)
	}
	if err := b.compile(); err != nil {
		return nil, err
	}
	return &b, nil
}

// DefaultBindings binds every tab.
func DefaultBindings() *Bindings {
	return &Bindings{}
}

func (b *Bindings) compile() error {
	b.include = b.include[:0]
	b.exclude = b.exclude[:0]
	for i, p := range b.URLPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("bindings config: url_patterns[%d]: %w", i, err)
		}
		b.include = append(b.include, re)
	}
	for i, p := range b.ExcludePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("bindings config: exclude_patterns[%d]: %w", i, err)
		}
		b.exclude = append(b.exclude, re)
	}
	return nil
}

// Allows reports whether a tab at url should be bound. Excludes win; an
// empty include list matches everything.
func (b *Bindings) Allows(url string) bool {
	for _, re := range b.exclude {
		if re.MatchString(url) {
			return false
		}
	}
	if len(b.include) == 0 {
		return true
	}
	for _, re := range b.include {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}
