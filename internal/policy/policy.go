// Package policy holds the sanitization and decision-point surfaces the
// session core consults: the environment allowlist applied before a
// subprocess is launched, the argument allowlist spawn requests are
// validated against, and the permission callback control requests are
// routed to.
//
// The spawned program is a partially-trusted peer; everything that crosses
// into it is filtered here, before any process exists.
package policy

import (
	"context"
	"fmt"
	"strings"
)

// deniedEnvVars are inherited variables that can change how the subprocess
// loads and executes code. They are always stripped and may never be set
// via overrides.
var deniedEnvVars = map[string]bool{
	"LD_PRELOAD":            true,
	"LD_LIBRARY_PATH":       true,
	"DYLD_INSERT_LIBRARIES": true,
	"DYLD_LIBRARY_PATH":     true,
	"NODE_OPTIONS":          true,
	"PYTHONPATH":            true,
	"PERL5LIB":              true,
	"RUBYLIB":               true,
}

// deniedEnvOverrides extends the deny list for caller overrides. The host's
// own PATH is inherited as-is, but a spawn request may not replace it.
var deniedEnvOverrides = map[string]bool{
	"PATH": true,
}

// EnvDenied reports whether name may never reach a subprocess.
func EnvDenied(name string) bool {
	return deniedEnvVars[name]
}

// EnvOverrideDenied reports whether name may not be set via overrides.
func EnvOverrideDenied(name string) bool {
	return deniedEnvVars[name] || deniedEnvOverrides[name]
}

// EnvPolicy filters the environment passed to spawned subprocesses.
//
// Denied variables are always stripped from the inherited environment and
// rejected in overrides. When Allowlist is non-empty, inherited variables
// must additionally appear on it to pass; overrides are exempt from the
// allowlist (the caller named them deliberately) but not from the deny list.
type EnvPolicy struct {
	Allowlist []string
}

// Filter applies the policy to the inherited environment plus caller
// overrides and returns the environment for the subprocess.
//
// An override naming a denied variable is a validation error: the caller
// asked for something the policy forbids, and the spawn must fail rather
// than silently drop it.
func (p *EnvPolicy) Filter(inherited []string, overrides map[string]string) ([]string, error) {
	for name := range overrides {
		if EnvOverrideDenied(name) {
			return nil, fmt.Errorf("environment override %q is not permitted", name)
		}
	}

	allowed := make(map[string]bool, len(p.Allowlist))
	for _, name := range p.Allowlist {
		allowed[name] = true
	}

	env := make([]string, 0, len(inherited)+len(overrides))

	for _, kv := range inherited {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || EnvDenied(name) {
			continue
		}

		if len(allowed) > 0 && !allowed[name] {
			continue
		}

		// Overrides win over inherited values
		if _, overridden := overrides[name]; overridden {
			continue
		}

		env = append(env, kv)
	}

	for name, value := range overrides {
		env = append(env, name+"="+value)
	}

	return env, nil
}

// defaultAllowedFlags is the fixed set of flags accepted on spawn requests.
var defaultAllowedFlags = []string{
	"output-format",
	"input-format",
	"verbose",
	"print",
	"permission-mode",
	"permission-prompt-tool",
	"max-turns",
	"model",
	"fallback-model",
	"system-prompt",
	"append-system-prompt",
	"allowed-tools",
	"disallowed-tools",
	"settings",
	"setting-sources",
	"add-dir",
	"continue",
	"resume",
	"fork-session",
	"include-partial-messages",
	"mcp-config",
	"timeout",
	"retries",
	"log-level",
	"cache-dir",
}

// ArgPolicy validates subprocess arguments against a fixed flag allowlist.
type ArgPolicy struct {
	allowed map[string]bool
}

// NewArgPolicy creates an ArgPolicy. With no extra flags it accepts exactly
// the default set; extra names extend it per deployment.
func NewArgPolicy(extra ...string) *ArgPolicy {
	allowed := make(map[string]bool, len(defaultAllowedFlags)+len(extra))

	for _, f := range defaultAllowedFlags {
		allowed[f] = true
	}

	for _, f := range extra {
		allowed[strings.TrimLeft(f, "-")] = true
	}

	return &ArgPolicy{allowed: allowed}
}

// Validate checks every flag in args against the allowlist. Any unrecognized
// flag fails validation; positional values and everything after a bare "--"
// are not inspected.
func (p *ArgPolicy) Validate(args []string) error {
	for _, arg := range args {
		if arg == "--" {
			return nil
		}

		if !strings.HasPrefix(arg, "-") {
			continue
		}

		name := strings.TrimLeft(arg, "-")
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			name = name[:eq]
		}

		if !p.allowed[name] {
			return fmt.Errorf("flag --%s is not on the argument allowlist", name)
		}
	}

	return nil
}

// Decision is the verdict of a permission callback.
type Decision interface {
	Behavior() string
}

// Compile-time verification that decision types implement Decision.
var (
	_ Decision = (*Allow)(nil)
	_ Decision = (*Deny)(nil)
)

// Allow permits the requested capability, optionally with modified input.
type Allow struct {
	UpdatedInput map[string]any
}

// Behavior implements Decision.
func (*Allow) Behavior() string { return "allow" }

// Deny refuses the requested capability.
type Deny struct {
	Message string

	// Interrupt requests cancellation of the peer's in-flight turn.
	Interrupt bool
}

// Behavior implements Decision.
func (*Deny) Behavior() string { return "deny" }

// PermissionCallback decides peer-issued control requests, e.g. whether a
// tool may be used. A nil callback allows everything.
type PermissionCallback func(
	ctx context.Context,
	sessionID string,
	toolName string,
	input map[string]any,
) (Decision, error)
