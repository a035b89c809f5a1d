package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(findings []Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Pattern)
	}
	return out
}

func TestScanDetectsSignatures(t *testing.T) {
	s := MustNew()

	cases := map[string]string{
		`<SCRIPT>alert(1)</script>`:          "script_tag",
		`<a href="JavaScript:void(0)">`:      "javascript_uri",
		`name=' OR 1=1`:                      "tautology",
		`1; DROP TABLE users`:                "drop_table",
		`x UNION ALL SELECT password`:        "union_select",
		`../../etc/passwd`:                   "dot_dot_slash",
		`%2e%2e%2fconfig`:                    "encoded_traversal",
		`foo && curl http://evil`:            "shell_chain",
		`EVAL(payload)`:                      "eval_call",
		`__import__('os')`:                   "dunder_import",
		`<img src=x onerror=alert(1)>`:       "event_handler",
	}
	for input, want := range cases {
		assert.Contains(t, names(s.Scan(input)), want, input)
	}
}

func TestScanCleanInput(t *testing.T) {
	s := MustNew()
	assert.Empty(t, s.Scan("Summarise the quarterly report in three bullet points."))
	assert.Nil(t, s.Scan(""))
}

func TestScanIsPure(t *testing.T) {
	s := MustNew()
	input := "<script>x</script> and ../secret"

	first := s.Scan(input)
	second := s.Scan(input)
	assert.Equal(t, first, second)
	assert.Equal(t, "<script>x</script> and ../secret", input)
}

func TestFindingsOrderedByOffset(t *testing.T) {
	findings := MustNew().Scan("../x then <script>")
	require.GreaterOrEqual(t, len(findings), 2)
	for i := 1; i < len(findings); i++ {
		assert.LessOrEqual(t, findings[i-1].Offset, findings[i].Offset)
	}
	assert.Equal(t, "../", findings[0].Match)
}

func TestMaxSeverityAndCategories(t *testing.T) {
	findings := MustNew().Scan(`<script> ; DROP TABLE t`)
	assert.Equal(t, SeverityCritical, MaxSeverity(findings))
	assert.ElementsMatch(t, []Category{CategoryXSS, CategorySQLInjection}, Categories(findings))
	assert.Equal(t, Severity(0), MaxSeverity(nil))
	assert.Equal(t, "critical", SeverityCritical.String())
}

func TestCustomPatterns(t *testing.T) {
	s, err := New(Pattern{Name: "internal_host", Expr: `metadata\.internal`, Category: CategoryPathTraversal})
	require.NoError(t, err)

	findings := s.Scan("GET http://METADATA.internal/latest")
	require.Len(t, findings, 1)
	assert.Equal(t, SeverityMedium, findings[0].Severity)

	_, err = New(Pattern{Name: "broken", Expr: `(`})
	assert.Error(t, err)
}
