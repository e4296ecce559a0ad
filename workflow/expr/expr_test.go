package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStatus struct {
	success, failure, cancelled bool
}

func (s fixedStatus) Success() bool   { return s.success }
func (s fixedStatus) Failure() bool   { return s.failure }
func (s fixedStatus) Cancelled() bool { return s.cancelled }

func testEnv() *Env {
	return &Env{
		Contexts: map[string]any{
			"github": map[string]any{
				"ref":        "refs/heads/main",
				"event_name": "push",
			},
			"matrix": map[string]any{
				"instance": 2,
			},
			"needs": map[string]any{
				"build": map[string]any{
					"result":  "success",
					"outputs": map[string]string{"dir": "dist"},
				},
			},
			"steps": map[string]any{
				"a": map[string]any{"outputs": map[string]any{"v": "1"}},
				"b": map[string]any{"outputs": map[string]any{"v": "2"}},
			},
			"labels": []string{"ci", "Visual"},
		},
		Status: fixedStatus{success: true},
	}
}

func TestEval(t *testing.T) {
	tests := []struct {
		src  string
		want any
	}{
		{"github.ref == 'refs/heads/main'", true},
		{"github.ref != 'refs/heads/main'", false},
		{"github.REF == 'REFS/HEADS/MAIN'", true},
		{"matrix.instance", 2.0},
		{"matrix.instance == '2'", true},
		{"matrix.instance < 3 && matrix.instance >= 2", true},
		{"needs.build.outputs.dir", "dist"},
		{"needs['build'].outputs['dir']", "dist"},
		{"needs.missing.outputs.dir", nil},
		{"!success()", false},
		{"success() && github.event_name == 'push'", true},
		{"failure() || 'fallback'", "fallback"},
		{"null == 0", true},
		{"'' == false", true},
		{"contains(labels, 'visual')", true},
		{"contains('Hello world', 'WORLD')", true},
		{"startsWith(github.ref, 'refs/heads/')", true},
		{"endsWith(github.ref, '/main')", true},
		{"format('{0}-{1}-{{x}}', 'a', 1)", "a-1-{x}"},
		{"join(labels, '+')", "ci+Visual"},
		{"join(steps.*.outputs.v)", "1,2"},
		{"fromJSON('{\"a\": [1, 2]}').a[1]", 2.0},
		{"toJSON(matrix)", "{\n  \"instance\": 2\n}"},
		{"(1 == 1) && !(2 < 1)", true},
		{"'it''s'", "it's"},
		{"0x10 == 16", true},
	}

	for _, test := range tests {
		t.Run(test.src, func(t *testing.T) {
			n, err := Parse(test.src)
			require.NoError(t, err)

			got, err := Eval(n, testEnv())
			require.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []string{
		"",
		"github.ref ==",
		"success(",
		"nope()",
		"success(1)",
		"contains('a')",
		"'unterminated",
		"a ? b",
		"(a",
	}

	for _, src := range tests {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)
			var syn *SyntaxError
			assert.ErrorAs(t, err, &syn)
		})
	}
}

func TestUnknownContext(t *testing.T) {
	_, err := Eval(MustParse("vars.x"), testEnv())
	assert.ErrorIs(t, err, ErrUnknownContext)
}

func TestStatusFunctions(t *testing.T) {
	env := testEnv()
	env.Status = fixedStatus{failure: true, cancelled: true}

	for src, want := range map[string]bool{
		"success()":   false,
		"failure()":   true,
		"cancelled()": true,
		"always()":    true,
	} {
		got, err := EvalBool(MustParse(src), env)
		require.NoError(t, err)
		assert.Equal(t, want, got, src)
	}
}

func TestUsesStatusFunc(t *testing.T) {
	assert.True(t, UsesStatusFunc(MustParse("always()")))
	assert.True(t, UsesStatusFunc(MustParse("github.ref == 'x' && failure()")))
	assert.False(t, UsesStatusFunc(MustParse("github.ref != 'refs/heads/main'")))
}

func TestReferences(t *testing.T) {
	n := MustParse("matrix.os == 'linux' && contains(matrix['node'], needs.build.result)")
	assert.Equal(t, [][]string{{"matrix", "os"}, {"matrix", "node"}}, References(n, "matrix"))
	assert.Equal(t, [][]string{{"needs", "build", "result"}}, References(n, "needs"))
}

func TestInterpolate(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"npm test -- --shard=${{ matrix.instance }}", "npm test -- --shard=2"},
		{"${{ needs.build.outputs.dir }}/${{ github.event_name }}", "dist/push"},
		{"${{ format('{0}}}', 'x') }}", "x}"},
		{"${{ needs.nope.result }}", ""},
	}

	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			got, err := Interpolate(test.in, testEnv())
			require.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestParseTemplateErrors(t *testing.T) {
	_, err := ParseTemplate("echo ${{ matrix.x ")
	assert.Error(t, err)

	_, err = ParseTemplate("echo ${{ matrix. }}")
	assert.Error(t, err)
}

func TestParseGuard(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"", "success()"},
		{"  ", "success()"},
		{"always()", "always()"},
		{"${{ failure() }}", "failure()"},
		{"github.event_name == 'push'", "(success() && (github.event_name == 'push'))"},
	}

	for _, test := range tests {
		n, err := ParseGuard(test.src)
		require.NoError(t, err)
		assert.Equal(t, test.want, n.String(), test.src)
	}

	env := testEnv()
	env.Status = fixedStatus{failure: true}
	n, err := ParseGuard("github.event_name == 'push'")
	require.NoError(t, err)
	ok, err := EvalBool(n, env)
	require.NoError(t, err)
	assert.False(t, ok, "implicit success() fails after a failure")
}
