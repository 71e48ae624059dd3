// Package depgraph implements the Dependency-Chain Analyzer (C6):
// reconstructing the shortest import path from the build entrypoint to any
// offending module, from the underlying bundler's metafile-shaped output.
package depgraph

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentic-run/wfbundle/pkg/logger"
)

var log = logger.New("bundle:depgraph")

// Metafile mirrors the subset of esbuild's Metafile JSON shape this
// analyzer needs: per-input import edges, and per-output entry points.
type Metafile struct {
	Inputs  map[string]MetafileInput  `json:"inputs"`
	Outputs map[string]MetafileOutput `json:"outputs"`
}

// MetafileInput describes one input file's resolved import edges.
type MetafileInput struct {
	Bytes   int64            `json:"bytes"`
	Imports []MetafileImport `json:"imports,omitempty"`
}

// MetafileImport is one resolved import edge out of an input file.
type MetafileImport struct {
	Path     string `json:"path"`
	Kind     string `json:"kind"`
	External bool   `json:"external,omitempty"`
}

// MetafileOutput describes one output file and which entry point, if any,
// produced it.
type MetafileOutput struct {
	Bytes      int64  `json:"bytes"`
	EntryPoint string `json:"entryPoint,omitempty"`
}

// ParseMetafile decodes the underlying bundler's JSON metafile.
func ParseMetafile(data []byte) (*Metafile, error) {
	var m Metafile
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("depgraph: invalid metafile: %w", err)
	}
	return &m, nil
}

// Entrypoint implements spec.md §4.6's entrypoint-discovery rule: use a
// declared output entry point if any output has one; otherwise select the
// single input that appears in no other input's import list.
func (m *Metafile) Entrypoint() (string, bool) {
	for _, out := range m.Outputs {
		if out.EntryPoint != "" {
			return out.EntryPoint, true
		}
	}

	imported := make(map[string]struct{})
	for _, in := range m.Inputs {
		for _, imp := range in.Imports {
			imported[imp.Path] = struct{}{}
		}
	}
	var candidates []string
	for path := range m.Inputs {
		if _, ok := imported[path]; !ok {
			candidates = append(candidates, path)
		}
	}
	if len(candidates) == 1 {
		return candidates[0], true
	}
	return "", false
}

// targetMatches implements spec.md §4.6's fuzzy match: exact path, an
// input path ending "/name", an input path containing "node_modules/name",
// or an edge target equal to "name", containing ":name" (namespaced
// virtual path), or ending "/name".
func targetMatches(candidate, name string) bool {
	if candidate == name {
		return true
	}
	if strings.HasSuffix(candidate, "/"+name) {
		return true
	}
	if strings.Contains(candidate, "node_modules/"+name) {
		return true
	}
	if strings.Contains(candidate, ":"+name) {
		return true
	}
	return false
}

// Chain returns the shortest sequence of import edges from entrypoint to
// an input or edge target matching offendingModule, via BFS. Returns nil
// if no path is found. Cycles never cause non-termination: BFS tracks a
// visited set.
func (m *Metafile) Chain(entrypoint, offendingModule string) []string {
	type step struct {
		node string
		path []string
	}

	visited := map[string]struct{}{entrypoint: {}}
	queue := []step{{node: entrypoint, path: []string{entrypoint}}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		in, ok := m.Inputs[cur.node]
		if !ok {
			continue
		}
		for _, imp := range in.Imports {
			if targetMatches(imp.Path, offendingModule) {
				return append(append([]string{}, cur.path...), imp.Path)
			}
			if _, seen := visited[imp.Path]; seen {
				continue
			}
			visited[imp.Path] = struct{}{}
			queue = append(queue, step{node: imp.Path, path: append(append([]string{}, cur.path...), imp.Path)})
		}
	}

	log.Printf("no chain found from %s to %s", entrypoint, offendingModule)
	return nil
}

// FormatChain renders a chain for display: strips a leading "./", collapses
// "node_modules/X/..." to "X/...", and rewrites virtual namespace paths
// "forbidden:X" / "ignored:X" to "X (forbidden)" / "X (ignored)".
func FormatChain(chain []string) []string {
	out := make([]string, len(chain))
	for i, node := range chain {
		out[i] = formatNode(node)
	}
	return out
}

func formatNode(node string) string {
	if idx := strings.Index(node, "node_modules/"); idx != -1 {
		return node[idx+len("node_modules/"):]
	}
	if rest, ok := strings.CutPrefix(node, "forbidden:"); ok {
		return rest + " (forbidden)"
	}
	if rest, ok := strings.CutPrefix(node, "ignored:"); ok {
		return rest + " (ignored)"
	}
	return strings.TrimPrefix(node, "./")
}
