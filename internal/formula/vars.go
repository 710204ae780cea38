package formula

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Vars is the substitution table available to formula templates.
type Vars struct {
	Name      string
	Version   string
	Prefix    string
	Target    string
	Jobs      int
	WorkDir   string
	SourceDir string
	TestDir   string

	// Deps is keyed by dependency name and exposed as dep.<name>.
	Deps map[string]DepVars
}

// DepVars describes an installed dependency.
type DepVars struct {
	Prefix  string
	Version string
	Target  string
}

// Bin returns the bin directory under the prefix.
func (v Vars) Bin() string {
	return filepath.Join(v.Prefix, "bin")
}

// EvalContext builds the hcl.EvalContext for template evaluation. Directory
// variables are only defined once they are known, so referencing `testdir`
// from an install step is an evaluation error rather than an empty string.
func (v Vars) EvalContext() *hcl.EvalContext {
	vars := map[string]cty.Value{
		"name":    cty.StringVal(v.Name),
		"version": cty.StringVal(v.Version),
		"prefix":  cty.StringVal(v.Prefix),
		"bin":     cty.StringVal(v.Bin()),
		"target":  cty.StringVal(v.Target),
		"jobs":    cty.NumberIntVal(int64(v.Jobs)),
	}
	if v.WorkDir != "" {
		vars["workdir"] = cty.StringVal(v.WorkDir)
	}
	if v.SourceDir != "" {
		vars["source_dir"] = cty.StringVal(v.SourceDir)
	}
	if v.TestDir != "" {
		vars["testdir"] = cty.StringVal(v.TestDir)
	}

	deps := make(map[string]cty.Value, len(v.Deps))
	for name, d := range v.Deps {
		deps[name] = cty.ObjectVal(map[string]cty.Value{
			"prefix":  cty.StringVal(d.Prefix),
			"bin":     cty.StringVal(filepath.Join(d.Prefix, "bin")),
			"version": cty.StringVal(d.Version),
			"target":  cty.StringVal(d.Target),
		})
	}
	vars["dep"] = cty.ObjectVal(deps)

	return &hcl.EvalContext{Variables: vars}
}

// EvalString evaluates expr to a string. An absent expression yields "".
func EvalString(expr hcl.Expression, ectx *hcl.EvalContext) (string, error) {
	v, err := evalValue(expr, ectx)
	if err != nil || v.IsNull() {
		return "", err
	}
	return toString(v, expr)
}

// EvalStringList evaluates a list or tuple of strings. Numbers and bools are
// converted to their string form.
func EvalStringList(expr hcl.Expression, ectx *hcl.EvalContext) ([]string, error) {
	v, err := evalValue(expr, ectx)
	if err != nil || v.IsNull() {
		return nil, err
	}
	ty := v.Type()
	if !ty.IsTupleType() && !ty.IsListType() {
		return nil, fmt.Errorf("%s: expected a list of strings, got %s", expr.Range(), ty.FriendlyName())
	}

	out := make([]string, 0, v.LengthInt())
	for it := v.ElementIterator(); it.Next(); {
		_, el := it.Element()
		s, err := toString(el, expr)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// EvalStringMap evaluates an object or map of strings.
func EvalStringMap(expr hcl.Expression, ectx *hcl.EvalContext) (map[string]string, error) {
	v, err := evalValue(expr, ectx)
	if err != nil || v.IsNull() {
		return nil, err
	}
	ty := v.Type()
	if !ty.IsObjectType() && !ty.IsMapType() {
		return nil, fmt.Errorf("%s: expected a map of strings, got %s", expr.Range(), ty.FriendlyName())
	}

	out := make(map[string]string, v.LengthInt())
	for it := v.ElementIterator(); it.Next(); {
		k, el := it.Element()
		s, err := toString(el, expr)
		if err != nil {
			return nil, err
		}
		out[k.AsString()] = s
	}
	return out, nil
}

// EnvList flattens an environment map into sorted KEY=VALUE pairs.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func evalValue(expr hcl.Expression, ectx *hcl.EvalContext) (cty.Value, error) {
	if expr == nil {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
	v, diags := expr.Value(ectx)
	if diags.HasErrors() {
		return cty.NilVal, diags
	}
	if !v.IsWhollyKnown() {
		return cty.NilVal, fmt.Errorf("%s: value is not known", expr.Range())
	}
	return v, nil
}

func toString(v cty.Value, expr hcl.Expression) (string, error) {
	sv, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", fmt.Errorf("%s: %w", expr.Range(), err)
	}
	if sv.IsNull() {
		return "", fmt.Errorf("%s: null is not a string", expr.Range())
	}
	return sv.AsString(), nil
}
