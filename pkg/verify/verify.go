// Package verify implements the Determinism Verifier (C9): running a build
// repeatedly and confirming the normalized output hashes agree, with a
// bounded line-wise diff when they don't.
package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/agentic-run/wfbundle/pkg/logger"
)

var log = logger.New("bundle:verify")

const (
	minBuildCount     = 2
	maxBuildCount     = 10
	maxReportedDiffs  = 5
)

// ClampBuildCount enforces spec.md §4.9's [2,10] bound on the requested
// repeat-build count.
func ClampBuildCount(n int) int {
	if n < minBuildCount {
		return minBuildCount
	}
	if n > maxBuildCount {
		return maxBuildCount
	}
	return n
}

var (
	isoTimestampRegex  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})`)
	unixTimestampRegex = regexp.MustCompile(`\b1[5-9]\d{8}\b`) // plausible unix-seconds range, avoids false hits on small integers
	metadataSpanRegex  = regexp.MustCompile(`(?s)/\*\s*wfbundle:metadata.*?\*/`)
)

// Normalize strips timestamped and build-scoped metadata from built bytes
// so two deterministic builds compare equal despite their embedded
// created_at / build-duration fields differing, per spec.md §4.9.
func Normalize(b []byte) []byte {
	s := string(b)
	s = metadataSpanRegex.ReplaceAllString(s, "")
	s = isoTimestampRegex.ReplaceAllString(s, "<timestamp>")
	s = unixTimestampRegex.ReplaceAllString(s, "<timestamp>")
	return []byte(s)
}

func hashOf(normalized []byte) string {
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:])
}

// Result is the outcome of a determinism check, mirroring spec.md §6's
// verify_deterministic_build return shape.
type Result struct {
	Deterministic bool
	BuildCount    int
	ReferenceHash string
	Hashes        []string
	Differences   []string
}

// BuildFunc produces one build's raw (pre-normalization) bytes. The caller
// supplies this so verify stays independent of the orchestrator package
// (which would otherwise create an import cycle back into pkg/verify).
type BuildFunc func() ([]byte, error)

// Run builds n times (clamped to [2,10]) via build, normalizes each
// result, and hashes it. Builds are deterministic iff every hash matches
// the first. On the first pair that differs, up to five line-wise diffs
// are produced.
func Run(n int, build BuildFunc) (Result, error) {
	n = ClampBuildCount(n)

	var raws [][]byte
	var hashes []string
	for i := 0; i < n; i++ {
		out, err := build()
		if err != nil {
			return Result{}, fmt.Errorf("verify: build %d/%d failed: %w", i+1, n, err)
		}
		normalized := Normalize(out)
		raws = append(raws, normalized)
		hashes = append(hashes, hashOf(normalized))
	}

	reference := hashes[0]
	deterministic := true
	firstMismatch := -1
	for i := 1; i < len(hashes); i++ {
		if hashes[i] != reference {
			deterministic = false
			if firstMismatch == -1 {
				firstMismatch = i
			}
		}
	}

	result := Result{
		Deterministic: deterministic,
		BuildCount:    n,
		ReferenceHash: reference,
		Hashes:        hashes,
	}

	if !deterministic {
		result.Differences = lineDiffs(string(raws[0]), string(raws[firstMismatch]), maxReportedDiffs)
		log.Printf("determinism check failed: build 1 and build %d diverge (%d diff line(s) reported)", firstMismatch+1, len(result.Differences))
	} else {
		log.Printf("determinism check passed across %d builds", n)
	}

	return result, nil
}

// lineDiffs returns up to max formatted line-wise differences between a
// and b using a diff-match-patch line-mode diff.
func lineDiffs(a, b string, max int) []string {
	dmp := diffmatchpatch.New()
	aLines, bLines, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffMain(aLines, bLines, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	var out []string
	lineNum := 0
	for _, d := range diffs {
		count := strings.Count(d.Text, "\n")
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			lineNum += count
		case diffmatchpatch.DiffDelete:
			for _, line := range strings.Split(strings.TrimRight(d.Text, "\n"), "\n") {
				if len(out) >= max {
					return out
				}
				lineNum++
				out = append(out, fmt.Sprintf("- line %d: %s", lineNum, line))
			}
		case diffmatchpatch.DiffInsert:
			for _, line := range strings.Split(strings.TrimRight(d.Text, "\n"), "\n") {
				if len(out) >= max {
					return out
				}
				out = append(out, fmt.Sprintf("+ line %d: %s", lineNum+1, line))
			}
		}
		if len(out) >= max {
			break
		}
	}
	return out
}
