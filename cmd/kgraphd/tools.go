package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kgraphd/kgraphd/internal/agent"
	"github.com/kgraphd/kgraphd/internal/config"
	"github.com/kgraphd/kgraphd/internal/contextbuilder"
	"github.com/kgraphd/kgraphd/internal/conversation"
	"github.com/kgraphd/kgraphd/internal/daemonserver"
	"github.com/kgraphd/kgraphd/internal/embedding"
	"github.com/kgraphd/kgraphd/internal/graphstore"
	"github.com/kgraphd/kgraphd/internal/ingestion"
	"github.com/kgraphd/kgraphd/internal/tools"
	"github.com/kgraphd/kgraphd/internal/watcher"
)

// toolDeps bundles every component a builtin tool handler needs. It lives
// in cmd/kgraphd (not internal/tools) so tool closures can reach into
// daemonserver.Server without internal/tools importing daemonserver,
// which already imports internal/tools for dispatch (§2 dependency
// order: S sits above T).
type toolDeps struct {
	graph     *graphstore.Store
	ingestor  *ingestion.Ingestor
	parser    *ingestion.TreeSitterParser
	pipeline  *embedding.Pipeline
	convs     *conversation.Store
	ctxBuild  *contextbuilder.Builder
	agentLoop *agent.Loop
	srv       *daemonserver.Server
	cfg       *config.Config
	auditDir  string
	embedder  queryEmbedder
}

// queryEmbedder is the narrow surface brain_search needs from the LLM
// client; kept as an interface here (rather than importing llmclient)
// since cmd/kgraphd is already the composition root for every other
// concrete type.
type queryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// watcherIngestorAdapter bridges watcher.Ingestor to the Parser+Ingestor
// pair, matching the W→I wiring spec.md §4.4 describes ("On flush: call
// Parser ... hand the result to IncrementalIngestor").
type watcherIngestorAdapter struct {
	parser   ingestion.Parser
	ingestor *ingestion.Ingestor
	cfg      config.SourceConfig
}

func (a *watcherIngestorAdapter) HandleFlush(projectRoot string, flush watcher.Flush) error {
	delta, err := a.parser.Parse(ingestion.ScanRequest{
		RootPath:     projectRoot,
		IncludeGlobs: a.cfg.Include,
		ExcludeGlobs: a.cfg.Exclude,
		ChangedFiles: flush.CreatedOrUpdated,
	})
	if err != nil {
		return fmt.Errorf("watcher ingest: parse: %w", err)
	}
	_, err = a.ingestor.Apply(context.Background(), delta, flush.Deleted)
	return err
}

// registerSourceProject registers and starts a watcher for the single
// project named by the loaded config's source root, mirroring how
// cmd/tarsy/main.go wires its one configured chain set at startup.
func registerSourceProject(deps toolDeps) error {
	root, err := filepath.Abs(deps.cfg.Source.Root)
	if err != nil {
		return fmt.Errorf("resolve source root: %w", err)
	}

	proj := &daemonserver.Project{
		ID:           uuid.NewString(),
		Path:         root,
		DisplayName:  deps.cfg.Name,
		CreatedAt:    time.Now(),
		IncludeGlobs: deps.cfg.Source.Include,
		ExcludeGlobs: deps.cfg.Source.Exclude,
		Status:       "active",
	}
	deps.srv.RegisterProject(proj)

	w := watcher.New(watcher.Options{
		RootPath:     root,
		IncludeGlobs: deps.cfg.Source.Include,
		ExcludeGlobs: deps.cfg.Source.Exclude,
	}, &watcherIngestorAdapter{parser: deps.parser, ingestor: deps.ingestor, cfg: deps.cfg.Source}, nil)

	return deps.srv.AttachWatcher(proj.ID, w)
}

func schema(props string) string {
	return `{"type":"object","properties":{` + props + `}}`
}

// registerTools wires every §4.7 tool category to the concrete
// components built in main(): brain (graph read/forget/search), file
// (read/write/delete scoped to the project root), project
// (ingest/embed), agent (sub-task dispatch), and debug (prompt
// extraction, scenario 6). Media tools (image/3-D) stay unregistered —
// they are external collaborators per spec.md §1's explicit Non-goals,
// with no in-repo component to wire them to.
func registerTools(reg *tools.Registry, deps toolDeps) {
	registerBrainTools(reg, deps)
	registerFileTools(reg, deps)
	registerProjectTools(reg, deps)
	registerAgentTools(reg, deps)
	registerDebugTools(reg, deps)
}

func registerBrainTools(reg *tools.Registry, deps toolDeps) {
	reg.Register(tools.Definition{
		Name:        "brain_search",
		Description: "Vector-search a project's graph for nodes matching a natural-language query.",
		SchemaJSON:  schema(`"indexName":{"type":"string"},"query":{"type":"string"},"topK":{"type":"integer"}`),
		Category:    tools.CategoryOther,
		GraphRead:   true,
	}, func(ctx context.Context, args map[string]any) (any, error) {
		indexName, _ := args["indexName"].(string)
		query, _ := args["query"].(string)
		topK := 5
		if v, ok := args["topK"].(float64); ok && v > 0 {
			topK = int(v)
		}
		if deps.embedder == nil {
			return nil, fmt.Errorf("brain_search: no embedder configured")
		}
		vec, err := deps.embedder.EmbedQuery(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("brain_search: embed query: %w", err)
		}
		return deps.graph.VectorSearch(ctx, indexName, vec, topK, graphstore.VectorSearchOptions{})
	})

	reg.Register(tools.Definition{
		Name:        "run_cypher",
		Description: "Run an arbitrary Cypher query against the graph.",
		SchemaJSON:  schema(`"query":{"type":"string"},"params":{"type":"object"}`),
		Category:    tools.CategoryOther,
		GraphRead:   true,
	}, func(ctx context.Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		params, _ := args["params"].(map[string]any)
		return deps.graph.Run(ctx, query, params)
	})

	reg.Register(tools.Definition{
		Name:        "explore_source",
		Description: "Look up one node by label and key value.",
		SchemaJSON:  schema(`"label":{"type":"string"},"keyField":{"type":"string"},"value":{"type":"string"}`),
		Category:    tools.CategoryOther,
		GraphRead:   true,
	}, func(ctx context.Context, args map[string]any) (any, error) {
		label, _ := args["label"].(string)
		keyField, _ := args["keyField"].(string)
		value, _ := args["value"].(string)
		label, err := graphstore.SanitizeIdentifier(label)
		if err != nil {
			return nil, fmt.Errorf("explore_source: %w", err)
		}
		keyField, err = graphstore.SanitizeIdentifier(keyField)
		if err != nil {
			return nil, fmt.Errorf("explore_source: %w", err)
		}
		return deps.graph.Run(ctx,
			fmt.Sprintf("MATCH (n:%s {%s: $value}) RETURN n", label, keyField),
			map[string]any{"value": value})
	})

	reg.Register(tools.Definition{
		Name:        "list_brain_projects",
		Description: "List every registered project.",
		SchemaJSON:  schema(``),
		Category:    tools.CategoryOther,
		GraphRead:   true,
	}, func(ctx context.Context, args map[string]any) (any, error) {
		return deps.srv.Projects(), nil
	})

	reg.Register(tools.Definition{
		Name:        "brain_forget",
		Description: "Delete a File (and its Scopes) from the graph by path.",
		SchemaJSON:  schema(`"path":{"type":"string"}`),
		Category:    tools.CategoryProjectManagement,
	}, func(ctx context.Context, args map[string]any) (any, error) {
		path, _ := args["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("brain_forget: path is required")
		}
		return nil, deps.graph.DeleteByKey(ctx, "File", "path", path)
	})
}

// withinRoot rejects a path outside the configured source root so file
// tools can't be used to read/write arbitrary filesystem locations.
func (d toolDeps) withinRoot(path string) (string, error) {
	root, err := filepath.Abs(d.cfg.Source.Root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes project root", path)
	}
	return abs, nil
}

func registerFileTools(reg *tools.Registry, deps toolDeps) {
	reg.Register(tools.Definition{
		Name:        "read_content",
		Description: "Read a file's contents, scoped to the project root.",
		SchemaJSON:  schema(`"path":{"type":"string"}`),
		Category:    tools.CategoryOther,
		GraphRead:   true,
	}, func(ctx context.Context, args map[string]any) (any, error) {
		path, _ := args["path"].(string)
		abs, err := deps.withinRoot(path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	})

	reg.Register(tools.Definition{
		Name:        "write_file",
		Description: "Write (overwrite) a file's contents, scoped to the project root.",
		SchemaJSON:  schema(`"path":{"type":"string"},"content":{"type":"string"}`),
		Category:    tools.CategoryFileModification,
	}, func(ctx context.Context, args map[string]any) (any, error) {
		path, _ := args["path"].(string)
		content, _ := args["content"].(string)
		abs, err := deps.withinRoot(path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			return nil, err
		}
		return nil, queueChange(deps, abs, "updated")
	})

	reg.Register(tools.Definition{
		Name:        "delete_file",
		Description: "Delete a file, scoped to the project root.",
		SchemaJSON:  schema(`"path":{"type":"string"}`),
		Category:    tools.CategoryFileModification,
	}, func(ctx context.Context, args map[string]any) (any, error) {
		path, _ := args["path"].(string)
		abs, err := deps.withinRoot(path)
		if err != nil {
			return nil, err
		}
		if err := os.Remove(abs); err != nil {
			return nil, err
		}
		return nil, queueChange(deps, abs, "deleted")
	})
}

// queueChange runs the edited file straight through Parser→Ingestor,
// bypassing the watcher's debounce buffer that POST /queue-file-change
// feeds, so an agent write is visible to a subsequent graph-read tool
// call without waiting for the debounce window (scenario 3,
// "write-then-read staging").
func queueChange(deps toolDeps, path, changeType string) error {
	if changeType == "deleted" {
		_, err := deps.ingestor.Apply(context.Background(), &ingestion.Delta{}, []string{path})
		return err
	}
	delta, err := deps.parser.Parse(ingestion.ScanRequest{
		RootPath:     deps.cfg.Source.Root,
		IncludeGlobs: deps.cfg.Source.Include,
		ExcludeGlobs: deps.cfg.Source.Exclude,
		ChangedFiles: []string{path},
	})
	if err != nil {
		return err
	}
	_, err = deps.ingestor.Apply(context.Background(), delta, nil)
	return err
}

func registerProjectTools(reg *tools.Registry, deps toolDeps) {
	reg.Register(tools.Definition{
		Name:        "project_ingest",
		Description: "Run a full incremental ingestion pass over the configured source root.",
		SchemaJSON:  schema(``),
		Category:    tools.CategoryProjectManagement,
	}, func(ctx context.Context, args map[string]any) (any, error) {
		delta, err := deps.parser.Parse(ingestion.ScanRequest{
			RootPath:     deps.cfg.Source.Root,
			IncludeGlobs: deps.cfg.Source.Include,
			ExcludeGlobs: deps.cfg.Source.Exclude,
		})
		if err != nil {
			return nil, fmt.Errorf("project_ingest: parse: %w", err)
		}
		return deps.ingestor.Apply(ctx, delta, nil)
	})

	reg.Register(tools.Definition{
		Name:        "project_embed",
		Description: "Embed all dirty nodes for a named vector index.",
		SchemaJSON:  schema(`"indexName":{"type":"string"},"nodeLabel":{"type":"string"},"sourceField":{"type":"string"}`),
		Category:    tools.CategoryProjectManagement,
	}, func(ctx context.Context, args map[string]any) (any, error) {
		indexName, _ := args["indexName"].(string)
		nodeLabel, _ := args["nodeLabel"].(string)
		sourceField, _ := args["sourceField"].(string)
		cfg := embedding.IndexConfig{
			Name:         indexName,
			NodeLabel:    nodeLabel,
			KeyField:     "uuid",
			SourceFields: []embedding.FieldWeight{{Field: sourceField, Weight: 1}},
			Provider:     deps.cfg.Embeddings.Defaults.Provider,
			Model:        deps.cfg.Embeddings.Defaults.Model,
			BatchSize:    deps.cfg.Embeddings.Defaults.BatchSize,
			Concurrency:  deps.cfg.Embeddings.Defaults.Concurrency,
		}
		return deps.pipeline.Run(ctx, cfg, true)
	})
}

func registerAgentTools(reg *tools.Registry, deps toolDeps) {
	reg.Register(tools.Definition{
		Name:        "agent_ask",
		Description: "Run a bounded sub-task through the agent loop and return its final answer.",
		SchemaJSON:  schema(`"conversationId":{"type":"string"},"task":{"type":"string"}`),
		Category:    tools.CategoryOther,
	}, func(ctx context.Context, args map[string]any) (any, error) {
		conversationID, _ := args["conversationId"].(string)
		task, _ := args["task"].(string)
		result, err := deps.agentLoop.Run(ctx, agent.ExecutionContext{
			ConversationID: conversationID,
			Task:           task,
			Terminal:       agent.TerminalFinalAnswer,
			MaxIterations:  5,
		})
		if err != nil {
			return nil, err
		}
		return result.FinalOutput, nil
	})
}

func registerDebugTools(reg *tools.Registry, deps toolDeps) {
	reg.Register(tools.Definition{
		Name:        "extract_agent_prompt",
		Description: "Dump the prompt/context/response an agent turn would use, for debugging (scenario 6).",
		SchemaJSON:  schema(`"question":{"type":"string"},"conversationId":{"type":"string"},"iteration":{"type":"integer"}`),
		Category:    tools.CategoryOther,
		GraphRead:   true,
	}, func(ctx context.Context, args map[string]any) (any, error) {
		question, _ := args["question"].(string)
		conversationID, _ := args["conversationId"].(string)

		dir := filepath.Join(deps.auditDir, "extract_"+time.Now().UTC().Format("20060102T150405Z"))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}

		var enriched string
		if conversationID != "" {
			enriched, _ = deps.ctxBuild.Build(ctx, conversationID, question)
		}

		// Run exactly one real iteration (no tool dispatch follow-up) so
		// prompt/response/parsed_response reflect what an actual agent turn
		// would send and receive, not a placeholder.
		result, runErr := deps.agentLoop.Run(ctx, agent.ExecutionContext{
			ConversationID: conversationID,
			Task:           question,
			Terminal:       agent.TerminalFinalAnswer,
			MaxIterations:  1,
		})

		var prompt, response string
		var parsed agent.ParsedResponse
		if result != nil && len(result.Iterations) > 0 {
			last := result.Iterations[len(result.Iterations)-1]
			prompt = last.Prompt
			response = last.RawResponse
			parsed = last.Parsed
		} else {
			prompt = question
		}
		if runErr != nil {
			response = runErr.Error()
		}

		parsedJSON, _ := json.MarshalIndent(parsed, "", "  ")

		files := map[string]string{
			"prompt.txt":           prompt,
			"enriched_context.txt": enriched,
			"response.txt":         response,
			"parsed_response.json": string(parsedJSON),
		}
		for name, content := range files {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
				return nil, err
			}
		}
		meta, _ := json.Marshal(map[string]any{
			"question":       question,
			"conversationId": conversationID,
			"iteration":      args["iteration"],
			"dir":            dir,
		})
		if err := os.WriteFile(filepath.Join(dir, "metadata.json"), meta, 0o644); err != nil {
			return nil, err
		}

		abs := func(name string) string { return filepath.Join(dir, name) }
		return map[string]string{
			"prompt":           abs("prompt.txt"),
			"enriched_context": abs("enriched_context.txt"),
			"response":         abs("response.txt"),
			"parsed_response":  abs("parsed_response.json"),
			"metadata":         abs("metadata.json"),
		}, nil
	})
}
