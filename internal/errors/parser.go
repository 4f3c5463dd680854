package errors

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Severity grades a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// DiagnosticKind classifies what went wrong during an export.
type DiagnosticKind string

const (
	KindScript         DiagnosticKind = "script"
	KindExportTemplate DiagnosticKind = "export-template"
	KindResource       DiagnosticKind = "resource"
	KindPreset         DiagnosticKind = "preset"
	KindGeneral        DiagnosticKind = "general"
)

// Diagnostic is one problem reported by the engine while exporting.
type Diagnostic struct {
	Severity   Severity       `json:"severity"`
	Kind       DiagnosticKind `json:"kind"`
	File       string         `json:"file,omitempty"`
	Line       int            `json:"line,omitempty"`
	Message    string         `json:"message"`
	Suggestion string         `json:"suggestion,omitempty"`
	Raw        string         `json:"raw"`
}

// String renders the diagnostic as file:line: message.
func (d Diagnostic) String() string {
	switch {
	case d.File != "" && d.Line > 0:
		return fmt.Sprintf("%s:%d: %s", d.File, d.Line, d.Message)
	case d.File != "":
		return fmt.Sprintf("%s: %s", d.File, d.Message)
	default:
		return d.Message
	}
}

// maxDiagnostics bounds what is kept from a runaway log.
const maxDiagnostics = 50

type kindPattern struct {
	regex      *regexp.Regexp
	kind       DiagnosticKind
	suggestion string
}

var (
	headerPattern   = regexp.MustCompile(`^(SCRIPT ERROR|USER ERROR|ERROR|SCRIPT WARNING|USER WARNING|WARNING):\s*(.*)$`)
	locationPattern = regexp.MustCompile(`^\s*[Aa]t:\s*(.*)$`)
	resPathPattern  = regexp.MustCompile(`(res://[^\s:()"]+):(\d+)`)
	inlinePattern   = regexp.MustCompile(`^(res://[^\s:()"]+):(\d+) - (.+)$`)
	scopePrefix     = regexp.MustCompile(`^\w+(?:::\w+)+:\s*`)

	kindPatterns = []kindPattern{
		{
			regex:      regexp.MustCompile(`(?i)no export template found|export templates? (?:missing|not found)`),
			kind:       KindExportTemplate,
			suggestion: "Install the web export templates from the editor (Editor > Manage Export Templates)",
		},
		{
			regex:      regexp.MustCompile(`(?i)parse error|compile error|failed to load script|identifier .* not declared`),
			kind:       KindScript,
			suggestion: "Fix the script error at the reported line",
		},
		{
			regex:      regexp.MustCompile(`(?i)export preset|due to configuration errors|invalid preset`),
			kind:       KindPreset,
			suggestion: "Check export_presets.cfg for a Web preset",
		},
		{
			regex:      regexp.MustCompile(`(?i)failed loading resource|failed to load resource|cannot open file|can't open|resource file not found`),
			kind:       KindResource,
			suggestion: "Open the project in the editor once so its resources are imported",
		},
	}
)

// ParseExportOutput extracts diagnostics from the engine's export log.
//
// A diagnostic starts at an ERROR or WARNING header. Following "at:" lines
// supply the res:// location when one is given, and other non-blank lines
// are folded into the message until the next header.
func ParseExportOutput(output string) []Diagnostic {
	var (
		diags   []Diagnostic
		current *Diagnostic
		seen    = make(map[string]bool)
	)

	flush := func() {
		if current == nil {
			return
		}
		classify(current)
		key := fmt.Sprintf("%s|%d|%s", current.File, current.Line, current.Message)
		if !seen[key] && len(diags) < maxDiagnostics {
			seen[key] = true
			diags = append(diags, *current)
		}
		current = nil
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)

		if m := headerPattern.FindStringSubmatch(trimmed); m != nil {
			flush()
			current = newDiagnostic(m[1], m[2], trimmed)
			continue
		}
		if current == nil {
			continue
		}
		if trimmed == "" {
			flush()
			continue
		}
		if m := locationPattern.FindStringSubmatch(trimmed); m != nil {
			if current.File == "" {
				current.File, current.Line = resLocation(m[1])
			}
			continue
		}
		current.Message += " " + trimmed
		current.Raw += "\n" + trimmed
	}
	flush()

	return diags
}

func newDiagnostic(header, message, raw string) *Diagnostic {
	d := &Diagnostic{
		Severity: SeverityError,
		Raw:      raw,
	}
	if strings.HasSuffix(header, "WARNING") {
		d.Severity = SeverityWarning
	}

	message = scopePrefix.ReplaceAllString(message, "")
	if m := inlinePattern.FindStringSubmatch(message); m != nil {
		d.File = m[1]
		d.Line, _ = strconv.Atoi(m[2])
		message = m[3]
	}
	d.Message = message
	return d
}

func resLocation(s string) (string, int) {
	m := resPathPattern.FindStringSubmatch(s)
	if m == nil {
		return "", 0
	}
	line, _ := strconv.Atoi(m[2])
	return m[1], line
}

func classify(d *Diagnostic) {
	d.Kind = KindGeneral
	for _, p := range kindPatterns {
		if p.regex.MatchString(d.Message) {
			d.Kind = p.kind
			d.Suggestion = p.suggestion
			return
		}
	}
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

// DiagnosticsOf returns the diagnostics attached to a build error.
func DiagnosticsOf(err error) []Diagnostic {
	var te *TavError
	if !errors.As(err, &te) {
		return nil
	}
	diags, _ := te.Context["diagnostics"].([]Diagnostic)
	return diags
}
