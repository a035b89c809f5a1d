package scanner

// Category groups related signatures
type Category string

const (
	CategoryXSS              Category = "xss"
	CategorySQLInjection     Category = "sql_injection"
	CategoryPathTraversal    Category = "path_traversal"
	CategoryCommandInjection Category = "command_injection"
	CategoryCodeInjection    Category = "code_injection"
)

// Severity ranks findings
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

// Pattern is one signature. Expr is compiled case-insensitively.
type Pattern struct {
	Name     string
	Expr     string
	Category Category
	Severity Severity
}

// DefaultPatterns is the signature set used by New
var DefaultPatterns = []Pattern{
	{Name: "script_tag", Expr: `<\s*script\b`, Category: CategoryXSS, Severity: SeverityHigh},
	{Name: "javascript_uri", Expr: `javascript\s*:`, Category: CategoryXSS, Severity: SeverityHigh},
	{Name: "vbscript_uri", Expr: `vbscript\s*:`, Category: CategoryXSS, Severity: SeverityHigh},
	{Name: "event_handler", Expr: `\bon(load|error|click|mouseover|focus)\s*=`, Category: CategoryXSS, Severity: SeverityMedium},
	{Name: "iframe_tag", Expr: `<\s*iframe\b`, Category: CategoryXSS, Severity: SeverityMedium},
	{Name: "data_html_uri", Expr: `data\s*:\s*text/html`, Category: CategoryXSS, Severity: SeverityMedium},

	{Name: "union_select", Expr: `\bunion\s+(all\s+)?select\b`, Category: CategorySQLInjection, Severity: SeverityHigh},
	{Name: "drop_table", Expr: `\bdrop\s+(table|database)\b`, Category: CategorySQLInjection, Severity: SeverityCritical},
	{Name: "delete_from", Expr: `\bdelete\s+from\b`, Category: CategorySQLInjection, Severity: SeverityHigh},
	{Name: "insert_into", Expr: `\binsert\s+into\b`, Category: CategorySQLInjection, Severity: SeverityMedium},
	{Name: "select_from", Expr: `\bselect\s+[\w\*,\s]+\s+from\b`, Category: CategorySQLInjection, Severity: SeverityMedium},
	{Name: "tautology", Expr: `'\s*or\s+'?\d+'?\s*=\s*'?\d+`, Category: CategorySQLInjection, Severity: SeverityHigh},
	{Name: "sql_comment", Expr: `(;|')\s*--`, Category: CategorySQLInjection, Severity: SeverityMedium},
	{Name: "sleep_benchmark", Expr: `\b(waitfor\s+delay|benchmark\s*\(|pg_sleep\s*\()`, Category: CategorySQLInjection, Severity: SeverityHigh},

	{Name: "dot_dot_slash", Expr: `\.\.[/\\]`, Category: CategoryPathTraversal, Severity: SeverityHigh},
	{Name: "encoded_traversal", Expr: `(%2e%2e|%252e%252e)(%2f|%5c|/|\\)`, Category: CategoryPathTraversal, Severity: SeverityHigh},
	{Name: "sensitive_file", Expr: `/etc/(passwd|shadow|hosts)\b`, Category: CategoryPathTraversal, Severity: SeverityCritical},

	{Name: "shell_chain", Expr: `(;|\|\||&&|\|)\s*(rm|cat|curl|wget|nc|bash|sh)\b`, Category: CategoryCommandInjection, Severity: SeverityHigh},
	{Name: "command_substitution", Expr: "(\\$\\([^)]*\\)|`[^`]+`)", Category: CategoryCommandInjection, Severity: SeverityMedium},
	{Name: "shell_invocation", Expr: `/bin/(ba)?sh\b`, Category: CategoryCommandInjection, Severity: SeverityHigh},

	{Name: "eval_call", Expr: `\beval\s*\(`, Category: CategoryCodeInjection, Severity: SeverityHigh},
	{Name: "exec_call", Expr: `\bexec\s*\(`, Category: CategoryCodeInjection, Severity: SeverityHigh},
	{Name: "dunder_import", Expr: `__import__\s*\(`, Category: CategoryCodeInjection, Severity: SeverityCritical},
	{Name: "function_constructor", Expr: `new\s+function\s*\(`, Category: CategoryCodeInjection, Severity: SeverityHigh},
	{Name: "template_injection", Expr: `\{\{.*\}\}|\$\{.*\}`, Category: CategoryCodeInjection, Severity: SeverityLow},
}
