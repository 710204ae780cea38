// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
package formula

import (
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
)

// Formula is the format-agnostic representation of a `formula` block.
type Formula struct {
	Name        string
	Description string
	Homepage    string
	Version     string
	Target      string

	Source   Source
	Checksum Checksum

	Dependencies []string
	Outputs      []string
	Env          hcl.Expression

	InstallSteps []*Step
	TestSteps    []*TestStep

	// Order is the declaration index within the registry.
	Order int
	// File is the path of the HCL file the formula was declared in.
	File string
}

// Source lists the locations of a byte-identical source artifact. URL is
// tried first, then Mirrors in declared order.
type Source struct {
	URL     string
	Mirrors []string
}

// URLs returns the primary URL followed by the mirrors.
func (s Source) URLs() []string {
	urls := make([]string, 0, 1+len(s.Mirrors))
	urls = append(urls, s.URL)
	return append(urls, s.Mirrors...)
}

// Step is one install step. Exactly one of Command or Symlink is set.
type Step struct {
	Name    string
	Command hcl.Expression
	Dir     hcl.Expression
	Env     hcl.Expression
	Timeout time.Duration
	Symlink *Symlink
}

// Symlink replaces a shell `ln -sf` with a builtin: To is created as a
// symbolic link pointing at From.
type Symlink struct {
	From hcl.Expression
	To   hcl.Expression
}

// TestStep is one post-install verification.
type TestStep struct {
	Name    string
	Command hcl.Expression
	Files   []*Fixture
	Expect  Expectation
	Timeout time.Duration
}

// Fixture is a file written into the test directory before the command runs.
type Fixture struct {
	Path    string
	Content hcl.Expression
}

// ExpectKind selects the stdout predicate of a test step.
type ExpectKind int

const (
	// ExpectExitCode checks only the exit code.
	ExpectExitCode ExpectKind = iota
	ExpectEquals
	ExpectContains
	ExpectNonEmpty
	ExpectFileNotEmpty
)

func (k ExpectKind) String() string {
	switch k {
	case ExpectEquals:
		return "equals"
	case ExpectContains:
		return "contains"
	case ExpectNonEmpty:
		return "non_empty"
	case ExpectFileNotEmpty:
		return "file_not_empty"
	default:
		return "exit_code"
	}
}

// Expectation is the predicate a test step must satisfy. Value holds the
// expected stdout for equals/contains and the file path for file_not_empty.
type Expectation struct {
	Kind     ExpectKind
	Value    hcl.Expression
	ExitCode int
}

// NormalizeName returns the canonical form of a formula name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// EffectiveTarget returns the formula's target triple, or fallback when the
// formula does not declare one.
func (f *Formula) EffectiveTarget(fallback string) string {
	if f.Target != "" {
		return f.Target
	}
	return fallback
}

// DependsOn reports whether name is a direct dependency of f.
func (f *Formula) DependsOn(name string) bool {
	name = NormalizeName(name)
	for _, dep := range f.Dependencies {
		if dep == name {
			return true
		}
	}
	return false
}
