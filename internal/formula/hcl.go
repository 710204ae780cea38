// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file decodes `formula` blocks from HCL into Formula values.
//
// Decoding happens in two passes. The file is first decoded into labelled
// blocks with their raw bodies, then each body is checked against
// formulaBodySchema and its nested blocks are decoded with gohcl. Every
// problem is collected as an hcl.Diagnostic carrying the source range, so a
// single load reports all mistakes in a formula at once.
package formula

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/specialistvlad/smelter/internal/ctxlog"
	"github.com/specialistvlad/smelter/internal/fsutil"
)

var validName = regexp.MustCompile(`^[a-z0-9][a-z0-9@._+-]*$`)

// hclFormulaFile represents the top-level structure of a formula file for decoding.
type hclFormulaFile struct {
	Formulas []*hclFormula `hcl:"formula,block"`
}

// hclFormula represents a single 'formula' block for initial decoding from HCL.
type hclFormula struct {
	Name string   `hcl:"name,label"`
	Body hcl.Body `hcl:",remain"`
}

var formulaBodySchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "description"},
		{Name: "homepage"},
		{Name: "version"},
		{Name: "target"},
		{Name: "depends_on"},
		{Name: "outputs"},
		{Name: "env"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "source"},
		{Type: "step", LabelNames: []string{"name"}},
		{Type: "test", LabelNames: []string{"name"}},
	},
}

type hclSource struct {
	URL      string   `hcl:"url"`
	Mirrors  []string `hcl:"mirrors,optional"`
	Checksum string   `hcl:"checksum,optional"`
	SHA256   string   `hcl:"sha256,optional"`
}

type hclStep struct {
	Command hcl.Expression `hcl:"command,optional"`
	Dir     hcl.Expression `hcl:"dir,optional"`
	Env     hcl.Expression `hcl:"env,optional"`
	Timeout string         `hcl:"timeout,optional"`
	Symlink *hclSymlink    `hcl:"symlink,block"`
}

type hclSymlink struct {
	From hcl.Expression `hcl:"from"`
	To   hcl.Expression `hcl:"to"`
}

type hclTest struct {
	Command hcl.Expression `hcl:"command"`
	Timeout string         `hcl:"timeout,optional"`
	Files   []*hclFixture  `hcl:"file,block"`
	Expect  *hclExpect     `hcl:"expect,block"`
}

type hclFixture struct {
	Path    string         `hcl:"path,label"`
	Content hcl.Expression `hcl:"content"`
}

type hclExpect struct {
	Equals       hcl.Expression `hcl:"equals,optional"`
	Contains     hcl.Expression `hcl:"contains,optional"`
	NonEmpty     hcl.Expression `hcl:"non_empty,optional"`
	FileNotEmpty hcl.Expression `hcl:"file_not_empty,optional"`
	ExitCode     hcl.Expression `hcl:"exit_code,optional"`
}

// Load finds and parses all .hcl files under the given paths into a Registry.
// A path may be a directory (searched recursively) or a single file.
func Load(ctx context.Context, paths ...string) (*Registry, error) {
	logger := ctxlog.FromContext(ctx)
	reg := NewRegistry()
	parser := hclparse.NewParser()

	for _, root := range paths {
		logger.Debug("Loading formulas from path", "path", root)
		files, err := fsutil.FindFilesByExtension(root, ".hcl")
		if err != nil {
			return nil, fmt.Errorf("failed to find formula files in %s: %w", root, err)
		}
		if len(files) == 0 {
			logger.Warn("No .hcl formula files found in path", "path", root)
			continue
		}

		for _, file := range files {
			hclFile, diags := parser.ParseHCLFile(file)
			if diags.HasErrors() {
				return nil, fmt.Errorf("failed to parse formula file %s: %w", file, diags)
			}
			formulas, err := decodeFile(hclFile, file)
			if err != nil {
				return nil, err
			}
			for _, f := range formulas {
				if err := reg.Add(f); err != nil {
					return nil, err
				}
			}
		}
	}

	logger.Debug("Formulas loaded", "count", reg.Len())
	return reg, nil
}

// Parse decodes the formulas of a single in-memory HCL document.
func Parse(filename string, src []byte) ([]*Formula, error) {
	hclFile, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse formula file %s: %w", filename, diags)
	}
	return decodeFile(hclFile, filename)
}

// NewRegistryFromHCL parses src and registers every formula it declares.
func NewRegistryFromHCL(filename string, src []byte) (*Registry, error) {
	formulas, err := Parse(filename, src)
	if err != nil {
		return nil, err
	}
	reg := NewRegistry()
	for _, f := range formulas {
		if err := reg.Add(f); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func decodeFile(file *hcl.File, path string) ([]*Formula, error) {
	var parsed hclFormulaFile
	diags := gohcl.DecodeBody(file.Body, nil, &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode formula file %s: %w", path, diags)
	}

	formulas := make([]*Formula, 0, len(parsed.Formulas))
	for _, pf := range parsed.Formulas {
		f, fDiags := newFormulaFromHCL(pf, path)
		if fDiags.HasErrors() {
			return nil, fmt.Errorf("invalid formula %q in %s: %w", pf.Name, path, fDiags)
		}
		formulas = append(formulas, f)
	}
	return formulas, nil
}

func newFormulaFromHCL(parsed *hclFormula, path string) (*Formula, hcl.Diagnostics) {
	f := &Formula{Name: NormalizeName(parsed.Name), File: path}

	content, diags := parsed.Body.Content(formulaBodySchema)
	if diags.HasErrors() {
		return nil, diags
	}

	if !validName.MatchString(f.Name) {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid formula name",
			Detail:   fmt.Sprintf("%q must start with a letter or digit and contain only letters, digits and @._+-", parsed.Name),
			Subject:  parsed.Body.MissingItemRange().Ptr(),
		})
	}

	diags = append(diags, decodeAttr(content.Attributes, "description", &f.Description)...)
	diags = append(diags, decodeAttr(content.Attributes, "homepage", &f.Homepage)...)
	diags = append(diags, decodeAttr(content.Attributes, "version", &f.Version)...)
	diags = append(diags, decodeAttr(content.Attributes, "target", &f.Target)...)
	f.Target = strings.TrimSpace(f.Target)

	var deps []string
	diags = append(diags, decodeAttr(content.Attributes, "depends_on", &deps)...)
	f.Dependencies, diags = appendDependencies(f.Name, deps, content.Attributes["depends_on"], diags)

	var outputs []string
	diags = append(diags, decodeAttr(content.Attributes, "outputs", &outputs)...)
	for _, out := range outputs {
		clean, err := cleanRelativePath(out)
		if err != nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid output path",
				Detail:   err.Error(),
				Subject:  content.Attributes["outputs"].Expr.Range().Ptr(),
			})
			continue
		}
		f.Outputs = append(f.Outputs, clean)
	}

	if attr, ok := content.Attributes["env"]; ok {
		f.Env = attr.Expr
	}

	srcBlock, blockDiags := findUniqueBlock(content.Blocks, "source")
	diags = append(diags, blockDiags...)
	if srcBlock == nil {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Missing source block",
			Detail:   "Every formula must declare a source block with a url and a checksum.",
			Subject:  parsed.Body.MissingItemRange().Ptr(),
		})
	} else {
		var srcDiags hcl.Diagnostics
		f.Source, f.Checksum, srcDiags = parseSource(srcBlock)
		diags = append(diags, srcDiags...)
	}

	for _, block := range content.Blocks.OfType("step") {
		step, stepDiags := parseStep(block)
		diags = append(diags, stepDiags...)
		if step != nil {
			f.InstallSteps = append(f.InstallSteps, step)
		}
	}

	for _, block := range content.Blocks.OfType("test") {
		test, testDiags := parseTest(block)
		diags = append(diags, testDiags...)
		if test != nil {
			f.TestSteps = append(f.TestSteps, test)
		}
	}

	return f, diags
}

func appendDependencies(self string, deps []string, attr *hcl.Attribute, diags hcl.Diagnostics) ([]string, hcl.Diagnostics) {
	var out []string
	seen := make(map[string]bool, len(deps))
	for _, dep := range deps {
		name := NormalizeName(dep)
		switch {
		case name == "":
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Empty dependency name",
				Subject:  attr.Expr.Range().Ptr(),
			})
		case name == self:
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Self dependency",
				Detail:   fmt.Sprintf("Formula %q cannot depend on itself.", self),
				Subject:  attr.Expr.Range().Ptr(),
			})
		case seen[name]:
			// Listing a dependency twice is harmless.
		default:
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, diags
}

func parseSource(block *hcl.Block) (Source, Checksum, hcl.Diagnostics) {
	var raw hclSource
	diags := gohcl.DecodeBody(block.Body, nil, &raw)
	if diags.HasErrors() {
		return Source{}, Checksum{}, diags
	}

	src := Source{URL: strings.TrimSpace(raw.URL)}
	for _, m := range raw.Mirrors {
		if m = strings.TrimSpace(m); m != "" {
			src.Mirrors = append(src.Mirrors, m)
		}
	}
	if src.URL == "" {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Empty source url",
			Subject:  &block.DefRange,
		})
	}

	var (
		sum Checksum
		err error
	)
	switch {
	case raw.Checksum != "" && raw.SHA256 != "":
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Conflicting checksum attributes",
			Detail:   "Use either checksum or sha256, not both.",
			Subject:  &block.DefRange,
		})
	case raw.Checksum != "":
		sum, err = ParseChecksum(raw.Checksum)
	case raw.SHA256 != "":
		sum, err = NewChecksum(SHA256, raw.SHA256)
	default:
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Missing checksum",
			Detail:   "A source block must declare checksum = \"<algorithm>:<hex>\" or sha256 = \"<hex>\".",
			Subject:  &block.DefRange,
		})
	}
	if err != nil {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid checksum",
			Detail:   err.Error(),
			Subject:  &block.DefRange,
		})
	}

	return src, sum, diags
}

func parseStep(block *hcl.Block) (*Step, hcl.Diagnostics) {
	var raw hclStep
	diags := gohcl.DecodeBody(block.Body, nil, &raw)
	if diags.HasErrors() {
		return nil, diags
	}

	step := &Step{Name: block.Labels[0], Dir: raw.Dir, Env: raw.Env}
	hasCommand := !isNullExpr(raw.Command)
	switch {
	case hasCommand && raw.Symlink != nil:
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Ambiguous step",
			Detail:   fmt.Sprintf("Step %q declares both a command and a symlink.", step.Name),
			Subject:  &block.DefRange,
		})
	case !hasCommand && raw.Symlink == nil:
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Empty step",
			Detail:   fmt.Sprintf("Step %q needs a command or a symlink block.", step.Name),
			Subject:  &block.DefRange,
		})
	case raw.Symlink != nil:
		step.Symlink = &Symlink{From: raw.Symlink.From, To: raw.Symlink.To}
	default:
		step.Command = raw.Command
		diags = append(diags, checkArgv(raw.Command)...)
	}

	var timeoutDiags hcl.Diagnostics
	step.Timeout, timeoutDiags = parseTimeout(raw.Timeout, block)
	diags = append(diags, timeoutDiags...)

	return step, diags
}

func parseTest(block *hcl.Block) (*TestStep, hcl.Diagnostics) {
	var raw hclTest
	diags := gohcl.DecodeBody(block.Body, nil, &raw)
	if diags.HasErrors() {
		return nil, diags
	}

	test := &TestStep{Name: block.Labels[0], Command: raw.Command}
	diags = append(diags, checkArgv(raw.Command)...)

	for _, fx := range raw.Files {
		clean, err := cleanRelativePath(fx.Path)
		if err != nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid fixture path",
				Detail:   err.Error(),
				Subject:  fx.Content.Range().Ptr(),
			})
			continue
		}
		test.Files = append(test.Files, &Fixture{Path: clean, Content: fx.Content})
	}

	if raw.Expect != nil {
		var expDiags hcl.Diagnostics
		test.Expect, expDiags = parseExpect(raw.Expect, block)
		diags = append(diags, expDiags...)
	}

	var timeoutDiags hcl.Diagnostics
	test.Timeout, timeoutDiags = parseTimeout(raw.Timeout, block)
	diags = append(diags, timeoutDiags...)

	return test, diags
}

func parseExpect(raw *hclExpect, block *hcl.Block) (Expectation, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	exp := Expectation{Kind: ExpectExitCode}
	predicates := 0

	if !isNullExpr(raw.Equals) {
		exp.Kind, exp.Value = ExpectEquals, raw.Equals
		predicates++
	}
	if !isNullExpr(raw.Contains) {
		exp.Kind, exp.Value = ExpectContains, raw.Contains
		predicates++
	}
	if !isNullExpr(raw.FileNotEmpty) {
		exp.Kind, exp.Value = ExpectFileNotEmpty, raw.FileNotEmpty
		predicates++
	}
	if !isNullExpr(raw.NonEmpty) {
		var nonEmpty bool
		diags = append(diags, gohcl.DecodeExpression(raw.NonEmpty, nil, &nonEmpty)...)
		if nonEmpty {
			exp.Kind = ExpectNonEmpty
			predicates++
		}
	}
	if predicates > 1 {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Conflicting expectations",
			Detail:   "An expect block may use only one of equals, contains, non_empty and file_not_empty.",
			Subject:  &block.DefRange,
		})
	}
	if !isNullExpr(raw.ExitCode) {
		diags = append(diags, gohcl.DecodeExpression(raw.ExitCode, nil, &exp.ExitCode)...)
	}
	return exp, diags
}

func parseTimeout(raw string, block *hcl.Block) (time.Duration, hcl.Diagnostics) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid timeout",
			Detail:   fmt.Sprintf("%q is not a positive duration such as \"30m\".", raw),
			Subject:  &block.DefRange,
		}}
	}
	return d, nil
}

// checkArgv verifies that a command is written as a non-empty list literal.
func checkArgv(expr hcl.Expression) hcl.Diagnostics {
	syntaxExpr, ok := expr.(hclsyntax.Expression)
	if !ok {
		return nil
	}
	tuple, isTuple := syntaxExpr.(*hclsyntax.TupleConsExpr)
	if !isTuple {
		return hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid command value",
			Detail:   "The 'command' attribute must be a list of arguments; commands are never run through a shell.",
			Subject:  expr.Range().Ptr(),
		}}
	}
	if len(tuple.Exprs) == 0 {
		return hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Empty command",
			Subject:  expr.Range().Ptr(),
		}}
	}
	return nil
}

func decodeAttr(attrs hcl.Attributes, name string, target any) hcl.Diagnostics {
	attr, ok := attrs[name]
	if !ok {
		return nil
	}
	return gohcl.DecodeExpression(attr.Expr, nil, target)
}

// findUniqueBlock returns the only block of the given type, or nil.
func findUniqueBlock(blocks hcl.Blocks, name string) (*hcl.Block, hcl.Diagnostics) {
	var found *hcl.Block
	var diags hcl.Diagnostics

	for _, block := range blocks.OfType(name) {
		if found != nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate \"" + name + "\" block",
				Detail:   "Only one \"" + name + "\" block is allowed.",
				Subject:  &block.DefRange,
			})
			continue
		}
		found = block
	}

	return found, diags
}

// isNullExpr reports whether expr is absent. gohcl fills optional
// hcl.Expression fields that were not written with a static null.
func isNullExpr(expr hcl.Expression) bool {
	if expr == nil {
		return true
	}
	if len(expr.Variables()) > 0 {
		return false
	}
	v, diags := expr.Value(nil)
	return !diags.HasErrors() && v.IsNull()
}

func cleanRelativePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("path is empty")
	}
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("path %q must be relative", p)
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes its root", p)
	}
	return clean, nil
}
