package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestEnvPolicy_StripsDeniedVariables tests that loader injection variables
// never pass through from the inherited environment.
func TestEnvPolicy_StripsDeniedVariables(t *testing.T) {
	p := &EnvPolicy{}

	env, err := p.Filter([]string{
		"HOME=/home/user",
		"LD_PRELOAD=/tmp/evil.so",
		"PYTHONPATH=/tmp/evil",
		"TERM=xterm",
	}, nil)
	require.NoError(t, err)

	require.Contains(t, env, "HOME=/home/user")
	require.Contains(t, env, "TERM=xterm")
	require.NotContains(t, env, "LD_PRELOAD=/tmp/evil.so")
	require.NotContains(t, env, "PYTHONPATH=/tmp/evil")
}

// TestEnvPolicy_DeniedOverrideFailsSpawn tests that an override naming a
// denied variable is a hard validation error, not a silent drop.
func TestEnvPolicy_DeniedOverrideFailsSpawn(t *testing.T) {
	p := &EnvPolicy{}

	for _, name := range []string{
		"LD_PRELOAD", "LD_LIBRARY_PATH", "DYLD_INSERT_LIBRARIES",
		"DYLD_LIBRARY_PATH", "NODE_OPTIONS", "PYTHONPATH", "PERL5LIB", "RUBYLIB",
	} {
		_, err := p.Filter(nil, map[string]string{name: "x"})
		require.Error(t, err, "override %s must be rejected", name)
	}
}

// TestEnvPolicy_PathOverrideRejected tests that a spawn request cannot
// replace PATH, while the host's own PATH still reaches the subprocess.
func TestEnvPolicy_PathOverrideRejected(t *testing.T) {
	p := &EnvPolicy{}

	_, err := p.Filter(nil, map[string]string{"PATH": "/evil"})
	require.Error(t, err)

	env, err := p.Filter([]string{"PATH=/usr/bin:/bin"}, nil)
	require.NoError(t, err)
	require.Contains(t, env, "PATH=/usr/bin:/bin")
}

// TestEnvPolicy_AllowlistRestrictsInherited tests that a non-empty allowlist
// applies to inherited variables but not to explicit overrides.
func TestEnvPolicy_AllowlistRestrictsInherited(t *testing.T) {
	p := &EnvPolicy{Allowlist: []string{"HOME"}}

	env, err := p.Filter(
		[]string{"HOME=/home/user", "SECRET_TOKEN=abc"},
		map[string]string{"MY_FLAG": "1"},
	)
	require.NoError(t, err)

	require.Contains(t, env, "HOME=/home/user")
	require.Contains(t, env, "MY_FLAG=1")
	require.NotContains(t, env, "SECRET_TOKEN=abc")
}

// TestEnvPolicy_OverridesWin tests that an override replaces the inherited
// value of the same variable.
func TestEnvPolicy_OverridesWin(t *testing.T) {
	p := &EnvPolicy{}

	env, err := p.Filter(
		[]string{"EDITOR=vi"},
		map[string]string{"EDITOR": "emacs"},
	)
	require.NoError(t, err)

	require.Contains(t, env, "EDITOR=emacs")
	require.NotContains(t, env, "EDITOR=vi")
}

// TestEnvDenied tests the deny predicate directly.
func TestEnvDenied(t *testing.T) {
	require.True(t, EnvDenied("LD_PRELOAD"))
	require.False(t, EnvDenied("HOME"))
}

// TestArgPolicy_AcceptsDefaultFlags tests that the fixed allowlist passes.
func TestArgPolicy_AcceptsDefaultFlags(t *testing.T) {
	p := NewArgPolicy()

	require.NoError(t, p.Validate([]string{
		"--max-turns", "5",
		"--model=agent-large",
		"--verbose",
		"--log-level", "debug",
	}))
}

// TestArgPolicy_RejectsUnknownFlag tests that any flag off the allowlist
// fails validation.
func TestArgPolicy_RejectsUnknownFlag(t *testing.T) {
	p := NewArgPolicy()

	err := p.Validate([]string{"--exec", "rm -rf /"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "exec")
}

// TestArgPolicy_IgnoresPositionals tests that non-flag values are not
// inspected.
func TestArgPolicy_IgnoresPositionals(t *testing.T) {
	p := NewArgPolicy()

	require.NoError(t, p.Validate([]string{"do the thing", "--", "-not-a-flag-after-terminator"}))
}

// TestArgPolicy_ExtraFlagsExtendAllowlist tests deployment-specific flag
// extension.
func TestArgPolicy_ExtraFlagsExtendAllowlist(t *testing.T) {
	p := NewArgPolicy("--sandbox-profile", "trace")

	require.NoError(t, p.Validate([]string{"--sandbox-profile", "strict", "--trace"}))
	require.Error(t, NewArgPolicy().Validate([]string{"--sandbox-profile", "strict"}))
}

// TestDecision_Behaviors tests the decision vocabulary.
func TestDecision_Behaviors(t *testing.T) {
	require.Equal(t, "allow", (&Allow{}).Behavior())
	require.Equal(t, "deny", (&Deny{Message: "no"}).Behavior())
}
