package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Options captures the folder selection configuration.
type Options struct {
	IncludeFolders []string
	ExcludeFolders []string
}

// Filter holds compiled regex patterns for selecting folders.
type Filter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	include, err := compilePatterns(opts.IncludeFolders)
	if err != nil {
		return nil, fmt.Errorf("compile include-folder pattern: %w", err)
	}
	exclude, err := compilePatterns(opts.ExcludeFolders)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-folder pattern: %w", err)
	}
	return &Filter{include: include, exclude: exclude}, nil
}

// Allows reports whether folder should be synced. With include patterns a
// folder must match one of them; a matching exclude pattern always wins.
func (f *Filter) Allows(folder string) bool {
	if f == nil {
		return true
	}
	if len(f.include) > 0 && !matchAny(f.include, folder) {
		return false
	}
	return !matchAny(f.exclude, folder)
}

// Select returns the allowed folders, keeping their order.
func (f *Filter) Select(folders []string) []string {
	out := make([]string, 0, len(folders))
	for _, folder := range folders {
		if f.Allows(folder) {
			out = append(out, folder)
		}
	}
	return out
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
