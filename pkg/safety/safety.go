// Package safety implements the Static Replay-Safety Scanner (C10): a
// regex table of known replay-unsafe call sites (wall-clock time, RNG,
// native timers, network, file I/O, child processes), each carrying a
// severity, a human reason, and a suggested safe alternative.
package safety

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agentic-run/wfbundle/pkg/logger"
)

var log = logger.New("bundle:safety")

// Severity classifies how serious a finding is.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Pattern is one entry in the replay-unsafe call-site table.
type Pattern struct {
	Name       string
	Regex      *regexp.Regexp
	Severity   Severity
	Reason     string
	Suggestion string
}

// patterns is the pre-compiled table of replay-unsafe call sites, built
// once at package init, matching the teacher's compiled-regexp-at-init
// validation idiom.
var patterns = []Pattern{
	{
		Name:       "date-now",
		Regex:      regexp.MustCompile(`\bDate\.now\s*\(`),
		Severity:   SeverityError,
		Reason:     "Date.now() reads wall-clock time, which differs across workflow replays.",
		Suggestion: "Use workflowInfo().currentTimeMs, or read the time via an activity.",
	},
	{
		Name:       "new-date-no-args",
		Regex:      regexp.MustCompile(`\bnew\s+Date\s*\(\s*\)`),
		Severity:   SeverityError,
		Reason:     "new Date() with no arguments captures wall-clock time at execution.",
		Suggestion: "Pass an explicit timestamp from workflow state instead.",
	},
	{
		Name:       "math-random",
		Regex:      regexp.MustCompile(`\bMath\.random\s*\(`),
		Severity:   SeverityError,
		Reason:     "Math.random() is non-deterministic across replays.",
		Suggestion: "Use a deterministic RNG seeded from workflow state, or generate randomness in an activity.",
	},
	{
		Name:       "crypto-random",
		Regex:      regexp.MustCompile(`\bcrypto\.(randomUUID|randomBytes|getRandomValues)\s*\(`),
		Severity:   SeverityError,
		Reason:     "Native crypto randomness sources are non-deterministic across replays.",
		Suggestion: "Generate the value in an activity and pass it into the workflow as data.",
	},
	{
		Name:       "set-timeout",
		Regex:      regexp.MustCompile(`\bsetTimeout\s*\(`),
		Severity:   SeverityError,
		Reason:     "setTimeout schedules against the host event loop, not the replay-safe workflow clock.",
		Suggestion: "Use the workflow SDK's sleep()/timer API instead.",
	},
	{
		Name:       "set-interval",
		Regex:      regexp.MustCompile(`\bsetInterval\s*\(`),
		Severity:   SeverityError,
		Reason:     "setInterval schedules against the host event loop, not the replay-safe workflow clock.",
		Suggestion: "Use the workflow SDK's timer API in a loop instead.",
	},
	{
		Name:       "fetch-call",
		Regex:      regexp.MustCompile(`\bfetch\s*\(`),
		Severity:   SeverityError,
		Reason:     "Network I/O performed directly in workflow code is not replay-safe.",
		Suggestion: "Move the network call into an activity.",
	},
	{
		Name:       "fs-sync-io",
		Regex:      regexp.MustCompile(`\bfs\.(readFileSync|writeFileSync|existsSync)\s*\(`),
		Severity:   SeverityError,
		Reason:     "Filesystem I/O performed directly in workflow code is not replay-safe.",
		Suggestion: "Move the filesystem access into an activity.",
	},
	{
		Name:       "child-process",
		Regex:      regexp.MustCompile(`\b(child_process|cp)\.(exec|execSync|spawn|spawnSync|fork)\s*\(`),
		Severity:   SeverityError,
		Reason:     "Spawning a child process is not replay-safe.",
		Suggestion: "Move the subprocess invocation into an activity.",
	},
	{
		Name:       "process-hrtime",
		Regex:      regexp.MustCompile(`\bprocess\.hrtime\s*\(`),
		Severity:   SeverityWarning,
		Reason:     "process.hrtime() measures wall-clock-derived elapsed time, which can vary across replays.",
		Suggestion: "Prefer workflow-provided timing APIs for any time measurement that affects control flow.",
	},
}

// Violation is one finding from a scan, matching the shape of
// bundleerrors.Violation so scan results can be attached to a BuildError
// without conversion.
type Violation struct {
	File     string
	Line     int
	Column   int
	Severity string
	Message  string
	Source   string
}

var (
	lineCommentRegex  = regexp.MustCompile(`//.*$`)
	typeAnnotationPos = regexp.MustCompile(`:\s*[^=]*$`)
)

// Scan finds replay-unsafe call sites in src. Matches inside line/block
// comments are excluded by position search, as are apparent
// type-annotation positions on the same line (a colon with no subsequent
// `=`), which commonly false-positive on TypeScript parameter/return type
// text that merely mentions an unsafe API's name.
func Scan(file string, src []byte) []Violation {
	clean := stripBlockComments(string(src))
	lines := strings.Split(clean, "\n")

	var violations []Violation
	for lineIdx, line := range lines {
		commentFree := lineCommentRegex.ReplaceAllString(line, "")
		for _, p := range patterns {
			for _, loc := range p.Regex.FindAllStringIndex(commentFree, -1) {
				col := loc[0]
				if isTypeAnnotationPosition(commentFree, col) {
					continue
				}
				violations = append(violations, Violation{
					File:     file,
					Line:     lineIdx + 1,
					Column:   col + 1,
					Severity: string(p.Severity),
					Message:  fmt.Sprintf("%s: %s %s", p.Name, p.Reason, p.Suggestion),
					Source:   strings.TrimRight(line, "\r"),
				})
			}
		}
	}
	if len(violations) > 0 {
		log.Printf("replay-safety scan of %s found %d violation(s)", file, len(violations))
	}
	return violations
}

func isTypeAnnotationPosition(line string, col int) bool {
	before := line[:col]
	return typeAnnotationPos.MatchString(before)
}

var blockCommentRegex = regexp.MustCompile(`(?s)/\*.*?\*/`)

func stripBlockComments(src string) string {
	return blockCommentRegex.ReplaceAllStringFunc(src, func(s string) string {
		// preserve line count so reported line numbers stay accurate
		return strings.Repeat("\n", strings.Count(s, "\n"))
	})
}
