package ingestion

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
)

// TreeSitterParser walks Go source with tree-sitter, emitting
// File/Scope/ExternalLibrary nodes and DEFINES/CALLS/IMPORTS edges.
// Grounded on kraklabs/cie/pkg/ingestion/parser_go.go's AST-walk shape,
// generalized from that repo's Datalog-entity output to spec.md's
// {key,label,properties}/{type,from,to,properties} delta shape. Only the
// Go grammar is wired; no JavaScript or Python grammar is loaded.
type TreeSitterParser struct {
	mu             sync.Mutex
	parser         *sitter.Parser
	maxContentSize int64
	truncated      int
}

// NewTreeSitterParser constructs a parser bound to the Go grammar.
func NewTreeSitterParser() *TreeSitterParser {
	p := sitter.NewParser()
	p.SetLanguage(golang.GetLanguage())
	return &TreeSitterParser{parser: p, maxContentSize: 1 << 20}
}

func (p *TreeSitterParser) SetMaxContentSize(bytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxContentSize = bytes
}

func (p *TreeSitterParser) TruncatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.truncated
}

func (p *TreeSitterParser) ResetTruncatedCount() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.truncated = 0
}

// Parse walks req.RootPath (or just req.ChangedFiles, when set) and
// returns the resulting delta. Directories and the owning Project are
// synthesized alongside File/Scope nodes so IncrementalIngestor can
// upsert the full label hierarchy in one pass.
func (p *TreeSitterParser) Parse(req ScanRequest) (*Delta, error) {
	projectKey := "project:" + req.RootPath

	delta := &Delta{
		Nodes: []NodeDelta{{
			Key:   projectKey,
			Label: "Project",
			Properties: map[string]any{
				"path": req.RootPath,
			},
		}},
	}

	files, err := p.resolveFiles(req)
	if err != nil {
		return nil, fmt.Errorf("ingestion: resolve files: %w", err)
	}

	seenDirs := make(map[string]bool)
	libs := make(map[string]bool)

	for _, path := range files {
		if !MatchesGlobs(path, req.IncludeGlobs, req.ExcludeGlobs) {
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil {
			delta.Stats.FilesSkipped++
			continue
		}

		p.mu.Lock()
		maxSize := p.maxContentSize
		p.mu.Unlock()
		truncated := false
		if int64(len(content)) > maxSize {
			content = content[:maxSize]
			truncated = true
			p.mu.Lock()
			p.truncated++
			p.mu.Unlock()
		}

		dir := filepath.Dir(path)
		dirKey := "dir:" + dir
		if !seenDirs[dirKey] {
			seenDirs[dirKey] = true
			delta.Nodes = append(delta.Nodes, NodeDelta{
				Key:   dirKey,
				Label: "Directory",
				Properties: map[string]any{
					"path": dir,
				},
			})
			delta.Edges = append(delta.Edges, EdgeDelta{
				Type: "CONTAINS", From: projectKey, To: dirKey,
			})
		}

		fileKey := "file:" + path
		delta.Nodes = append(delta.Nodes, NodeDelta{
			Key:   fileKey,
			Label: "File",
			Properties: map[string]any{
				"path":      path,
				"truncated": truncated,
				"size":      len(content),
			},
		})
		delta.Edges = append(delta.Edges, EdgeDelta{
			Type: "CONTAINS", From: dirKey, To: fileKey,
		})

		scopes, edges, imports, err := p.parseFile(content, path, fileKey)
		if err != nil {
			delta.Stats.FilesSkipped++
			continue
		}
		delta.Nodes = append(delta.Nodes, scopes...)
		delta.Edges = append(delta.Edges, edges...)

		for _, imp := range imports {
			libKey := "lib:" + imp
			if !libs[libKey] {
				libs[libKey] = true
				delta.Nodes = append(delta.Nodes, NodeDelta{
					Key:   libKey,
					Label: "ExternalLibrary",
					Properties: map[string]any{
						"name": imp,
					},
				})
			}
			delta.Edges = append(delta.Edges, EdgeDelta{
				Type: "IMPORTS", From: fileKey, To: libKey,
			})
		}

		delta.FilesProcessed = append(delta.FilesProcessed, path)
		delta.Stats.FilesParsed++
	}

	return delta, nil
}

func (p *TreeSitterParser) resolveFiles(req ScanRequest) ([]string, error) {
	if len(req.ChangedFiles) > 0 {
		return req.ChangedFiles, nil
	}
	var files []string
	err := filepath.WalkDir(req.RootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".go") {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// parseFile extracts top-level function/method Scope nodes, their CALLS
// edges, and the file's import paths.
func (p *TreeSitterParser) parseFile(content []byte, path, fileKey string) ([]NodeDelta, []EdgeDelta, []string, error) {
	p.mu.Lock()
	parser := p.parser
	p.mu.Unlock()

	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, nil, nil, err
	}
	defer tree.Close()

	root := tree.RootNode()

	var nodes []NodeDelta
	var edges []EdgeDelta
	var imports []string

	funcNameToKey := make(map[string]string)
	var funcNodes []*sitter.Node

	walk(root, func(n *sitter.Node) {
		switch n.Type() {
		case "import_spec":
			if pathNode := n.ChildByFieldName("path"); pathNode != nil {
				raw := strings.Trim(pathNode.Content(content), `"`)
				imports = append(imports, raw)
			}
		case "function_declaration", "method_declaration":
			funcNodes = append(funcNodes, n)
		}
	})

	for _, n := range funcNodes {
		name := scopeName(n, content)
		scopeKey := fmt.Sprintf("scope:%s#%s", path, stableSuffix(path, name, n.StartByte()))
		funcNameToKey[name] = scopeKey
		nodes = append(nodes, NodeDelta{
			Key:   scopeKey,
			Label: "Scope",
			Properties: map[string]any{
				"name":      name,
				"kind":      n.Type(),
				"path":      path,
				"startByte": int(n.StartByte()),
				"endByte":   int(n.EndByte()),
				"content":   n.Content(content),
			},
		})
		edges = append(edges, EdgeDelta{Type: "DEFINES", From: fileKey, To: scopeKey})
	}

	for _, n := range funcNodes {
		callerName := scopeName(n, content)
		callerKey := funcNameToKey[callerName]
		walk(n, func(call *sitter.Node) {
			if call.Type() != "call_expression" {
				return
			}
			fn := call.ChildByFieldName("function")
			if fn == nil {
				return
			}
			calleeName := fn.Content(content)
			if idx := strings.LastIndex(calleeName, "."); idx >= 0 {
				calleeName = calleeName[idx+1:]
			}
			if calleeKey, ok := funcNameToKey[calleeName]; ok && calleeKey != callerKey {
				edges = append(edges, EdgeDelta{Type: "CALLS", From: callerKey, To: calleeKey})
			}
		})
	}

	return nodes, edges, imports, nil
}

func walk(n *sitter.Node, visit func(*sitter.Node)) {
	if n == nil {
		return
	}
	visit(n)
	for i := 0; i < int(n.ChildCount()); i++ {
		walk(n.Child(i), visit)
	}
}

func scopeName(n *sitter.Node, content []byte) string {
	if nameNode := n.ChildByFieldName("name"); nameNode != nil {
		return nameNode.Content(content)
	}
	return "anonymous"
}

// stableSuffix gives each scope a short, content-independent disambiguator
// so two functions with the same name in one file (e.g. across build
// tags) don't collide on key.
func stableSuffix(path, name string, startByte uint32) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s:%s:%d", path, name, startByte)
	return hex.EncodeToString(h.Sum(nil))[:8]
}
