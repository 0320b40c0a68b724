// Package token implements the deferred-evaluation substitution system used
// to resolve $(...) tokens in step commands, restart commands, and resource
// fields against a study's variables, labels, parameters, and reserved
// names.
package token

import (
	"fmt"
	"regexp"
	"strings"
)

// maxPasses bounds the fixed-point iteration before a token is declared
// unresolvable. Sixteen iterations comfortably covers the nesting depth any
// real study uses (labels referencing parameters, variables referencing
// variables) while still catching genuine cycles quickly.
const maxPasses = 16

// tokenRe matches a single $(...) occurrence, capturing the inner text.
// The inner text is re-split on "." by the resolver since parameter and
// step-workspace references use a dotted suffix (PARAM.label, STEP.workspace).
var tokenRe = regexp.MustCompile(`\$\(([^()]+)\)(\[[^\]]*\])?`)

// Launcher is resolved lazily by the scheduler adapter once it knows the
// job's resource request. A Launcher receives the bracket suffix with the
// brackets stripped (e.g. "2n,4p" for "[2n,4p]"), or "" when no brackets
// were given.
type Launcher func(bracket string) (string, error)

// Context is the evaluation context for one job instance. Lookups are
// first-match-wins across the fields below, tried in this fixed order:
// Variables, Labels, ParamValues, ParamLabels, Reserved, Dependencies.
// That order is an invariant of the substitution engine — changing it
// silently changes the meaning of every existing study.
type Context struct {
	Variables    map[string]string
	Labels       map[string]string // label name -> unresolved label template
	ParamValues  map[string]string // parameter name -> value string at this combination
	ParamLabels  map[string]string // parameter name -> resolved label string at this combination
	Reserved     map[string]string // SPECROOT, OUTPUT_PATH, WORKSPACE
	Dependencies map[string]string // dependency name -> resolved path

	// StepWorkspace resolves a "$(STEP.workspace)" reference to the
	// workspace path of a previously expanded instance of STEP. It is a
	// callback rather than a map because the set of candidate instances
	// depends on which combination the referring step is being expanded
	// for; see pkg/expand for the resolution rule.
	StepWorkspace func(step string) (string, bool)

	// Launcher resolves "$(LAUNCHER)" and "$(LAUNCHER)[...]" once the
	// scheduler adapter is known. Left nil until the study expander hands
	// the context to the adapter for rendering (§4.E); Resolve leaves
	// LAUNCHER tokens untouched when it is nil so render can run a second,
	// adapter-scoped pass.
	Launcher Launcher
}

// UnresolvedError reports a token that survived the fixed point.
type UnresolvedError struct {
	Token string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved token %q", e.Token)
}

// CycleError reports that substitution did not converge within maxPasses.
type CycleError struct {
	Text string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("token substitution did not converge after %d passes: %q", maxPasses, e.Text)
}

// Resolve performs fixed-point substitution of every $(...) token in text
// against ctx. LAUNCHER tokens are left untouched (not an error) when
// ctx.Launcher is nil, so the scheduler adapter can run Resolve again once
// it knows the target backend.
func Resolve(text string, ctx *Context) (string, error) {
	for pass := 0; pass < maxPasses; pass++ {
		next, changed, err := substituteOnce(text, ctx)
		if err != nil {
			return "", err
		}
		if !changed {
			return checkFullyResolved(next)
		}
		text = next
	}
	return "", &CycleError{Text: text}
}

// checkFullyResolved fails if any non-LAUNCHER token remains once
// substitution has reached a fixed point.
func checkFullyResolved(text string) (string, error) {
	for _, m := range tokenRe.FindAllStringSubmatch(text, -1) {
		if m[1] != "LAUNCHER" {
			return "", &UnresolvedError{Token: m[0]}
		}
	}
	return text, nil
}

// substituteOnce performs one left-to-right pass, replacing every token it
// can resolve. changed reports whether any replacement happened, so the
// caller can detect a fixed point.
func substituteOnce(text string, ctx *Context) (string, bool, error) {
	changed := false
	var resolveErr error

	out := tokenRe.ReplaceAllStringFunc(text, func(match string) string {
		if resolveErr != nil {
			return match
		}
		sub := tokenRe.FindStringSubmatch(match)
		name := sub[1]
		bracket := strings.TrimSuffix(strings.TrimPrefix(sub[2], "["), "]")

		val, ok, err := lookup(name, bracket, sub[2] != "", ctx)
		if err != nil {
			resolveErr = err
			return match
		}
		if !ok {
			return match
		}
		changed = true
		return val
	})

	if resolveErr != nil {
		return "", false, resolveErr
	}
	return out, changed, nil
}

// lookup resolves a single token body (the text between the parens, without
// the surrounding "$(" ")") plus an optional bracket suffix. It implements
// the fixed precedence order documented on Context.
func lookup(name, bracket string, hasBracket bool, ctx *Context) (string, bool, error) {
	if name == "LAUNCHER" {
		if ctx.Launcher == nil {
			return "", false, nil
		}
		val, err := ctx.Launcher(bracket)
		if err != nil {
			return "", false, err
		}
		return val, true, nil
	}
	if hasBracket {
		// Only LAUNCHER takes a bracket suffix; anything else with one is
		// a plain lookup on the base name followed by literal brackets.
		val, ok, err := lookup(name, "", false, ctx)
		if !ok || err != nil {
			return "", ok, err
		}
		return val + "[" + bracket + "]", true, nil
	}

	if dot := strings.LastIndex(name, ".label"); dot >= 0 && dot == len(name)-len(".label") {
		param := name[:dot]
		if lbl, ok := ctx.ParamLabels[param]; ok {
			return lbl, true, nil
		}
		return "", false, nil
	}
	if dot := strings.LastIndex(name, ".workspace"); dot >= 0 && dot == len(name)-len(".workspace") {
		step := name[:dot]
		if ctx.StepWorkspace != nil {
			if ws, ok := ctx.StepWorkspace(step); ok {
				return ws, true, nil
			}
		}
		return "", false, nil
	}

	if v, ok := ctx.Variables[name]; ok {
		return v, true, nil
	}
	if v, ok := ctx.Labels[name]; ok {
		return v, true, nil
	}
	if v, ok := ctx.ParamValues[name]; ok {
		return v, true, nil
	}
	if v, ok := ctx.ParamLabels[name]; ok {
		return v, true, nil
	}
	if v, ok := ctx.Reserved[name]; ok {
		return v, true, nil
	}
	if v, ok := ctx.Dependencies[name]; ok {
		return v, true, nil
	}
	return "", false, nil
}

// UsedNames scans text for $(NAME) and $(NAME.label) occurrences and returns
// the set of bare names referenced (PARAM from both $(PARAM) and
// $(PARAM.label), STEP from $(STEP.workspace) is excluded since workspace
// references are not parameter usages). Used by pkg/expand to compute which
// parameters a step template references.
func UsedNames(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range tokenRe.FindAllStringSubmatch(text, -1) {
		name := m[1]
		if name == "LAUNCHER" {
			continue
		}
		if strings.HasSuffix(name, ".label") {
			name = strings.TrimSuffix(name, ".label")
		} else if strings.HasSuffix(name, ".workspace") {
			continue
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
