// Command kgraphd is the Knowledge-Graph Daemon: the single long-running
// process that owns the graph database connection, file watchers,
// embedding pipeline, and agent executor (spec.md §1-2).
//
// Grounded on tarsy's cmd/tarsy/main.go: flag parsing for a config
// directory, godotenv loading of a .env file from that directory, then
// handing off to the component wiring. Unlike tarsy (which owns exactly
// one HTTP server for the process lifetime), kgraphd writes daemon.pid via
// pkg/daemonclient and tears down through BeginDrain on SIGINT/SIGTERM.
// It does not run the §4.10 health-probe/bind/startup-lock sequence
// itself; that runs in the client that spawns it, through
// daemonclient.EnsureDaemonRunning (as cmd/kgraphctl does).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kgraphd/kgraphd/internal/agent"
	"github.com/kgraphd/kgraphd/internal/config"
	"github.com/kgraphd/kgraphd/internal/contextbuilder"
	"github.com/kgraphd/kgraphd/internal/conversation"
	"github.com/kgraphd/kgraphd/internal/daemonserver"
	"github.com/kgraphd/kgraphd/internal/embedding"
	"github.com/kgraphd/kgraphd/internal/graphstore"
	"github.com/kgraphd/kgraphd/internal/ingestion"
	"github.com/kgraphd/kgraphd/internal/lockregistry"
	"github.com/kgraphd/kgraphd/internal/logsink"
	"github.com/kgraphd/kgraphd/internal/masking"
	"github.com/kgraphd/kgraphd/internal/tools"
	"github.com/kgraphd/kgraphd/internal/version"
	"github.com/kgraphd/kgraphd/internal/watcher"
	"github.com/kgraphd/kgraphd/pkg/daemonclient"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kgraphd"
	}
	return filepath.Join(home, ".kgraphd")
}

func main() {
	configDir := flag.String("config-dir", getEnv("KGRAPHD_CONFIG_DIR", defaultConfigDir()),
		"Path to the daemon's config/state directory")
	configFile := flag.String("config", getEnv("KGRAPHD_CONFIG_FILE", "kgraphd.yaml"),
		"Path to the project YAML config file")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: could not load %s: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	if err := os.MkdirAll(filepath.Join(*configDir, "logs"), 0o755); err != nil {
		log.Fatalf("kgraphd: create config dir: %v", err)
	}

	logs, err := logsink.Open(filepath.Join(*configDir, "logs", "daemon.log"))
	if err != nil {
		log.Fatalf("kgraphd: open log sink: %v", err)
	}
	defer logs.Close()
	slog.SetDefault(slog.New(slog.NewTextHandler(logSinkWriter{logs}, nil)))

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("kgraphd: load config: %v", err)
	}

	locks := lockregistry.New()
	redactor := masking.New(masking.DefaultMaskers())
	toolRegistry := tools.New(locks, redactor)

	connectGraph := func(ctx context.Context) (*graphstore.Store, error) {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URI,
			neo4j.BasicAuth(cfg.Neo4j.Username, cfg.Neo4j.Password, ""))
		if err != nil {
			return nil, fmt.Errorf("kgraphd: dial neo4j: %w", err)
		}
		store := graphstore.New(driver, cfg.Neo4j.Database)
		if err := store.VerifyConnectivity(ctx); err != nil {
			return nil, fmt.Errorf("kgraphd: neo4j connectivity: %w", err)
		}
		return store, nil
	}

	srvOpts := daemonserver.Options{
		Port:         cfg.Daemon.Port,
		IdleTimeout:  cfg.Daemon.IdleTimeout,
		ConfigDir:    *configDir,
		ConnectGraph: connectGraph,
	}
	srv := daemonserver.NewServer(srvOpts, locks, logs, toolRegistry)

	graph, err := connectGraph(context.Background())
	if err != nil {
		log.Fatalf("kgraphd: %v", err)
	}
	if err := graph.EnsureSchema(context.Background(), nil, nil, vectorIndexDefs(cfg)); err != nil {
		log.Fatalf("kgraphd: ensure schema: %v", err)
	}
	defer graph.Close(context.Background())

	ingestor := ingestion.New(graph, locks)
	parser := ingestion.NewTreeSitterParser()
	srv.SetIngestor(ingestor)

	llm := mustDialLLM(getEnv("KGRAPHD_LLM_ADDR", "localhost:50051"))
	defer llm.Close()

	pipeline := embedding.New(graph, llm, locks)
	convs := conversation.New(graph, llm, conversation.SummaryTrigger{})
	ctxBuilder := contextbuilder.New(graph, convs, llm, locks, contextbuilder.Options{})

	auditDir := filepath.Join(*configDir, "debug")
	audit := newFileAuditSink(auditDir)
	agentLoop := agent.New(llm, toolRegistry, ctxBuilder, audit)

	deps := toolDeps{
		graph:     graph,
		ingestor:  ingestor,
		parser:    parser,
		pipeline:  pipeline,
		convs:     convs,
		ctxBuild:  ctxBuilder,
		agentLoop: agentLoop,
		srv:       srv,
		cfg:       cfg,
		auditDir:  auditDir,
		embedder:  llm,
	}
	registerTools(toolRegistry, deps)

	if err := registerSourceProject(deps); err != nil {
		log.Printf("kgraphd: register configured project: %v", err)
	}

	if err := daemonclient.WritePIDFile(*configDir); err != nil {
		log.Printf("kgraphd: write pid file: %v", err)
	}

	log.Printf("Starting %s on port %d", version.Full(), cfg.Daemon.Port)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Daemon.Port)
	serveErrCh := make(chan error, 1)
	go func() {
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		log.Fatalf("kgraphd: bind failed: %v", err)
	case sig := <-sigCh:
		log.Printf("Received %s, draining...", sig)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 21*time.Minute)
	defer cancel()
	srv.BeginDrain(drainCtx)
	log.Printf("kgraphd stopped")
}

// logSinkWriter adapts logsink.Sink to io.Writer for slog's text handler,
// so every structured log line also lands in the append-only file and
// SSE fan-out (§6 /logs, /logs/stream).
type logSinkWriter struct{ sink *logsink.Sink }

func (w logSinkWriter) Write(p []byte) (int, error) {
	w.sink.Write(string(p))
	return len(p), nil
}

func vectorIndexDefs(cfg *config.Config) []graphstore.VectorIndexDef {
	defs := make([]graphstore.VectorIndexDef, 0, len(cfg.Embeddings.Entities))
	for _, e := range cfg.Embeddings.Entities {
		for _, field := range e.SourceFields {
			defs = append(defs, graphstore.VectorIndexDef{
				Name:        e.Label + "_" + field + "_idx",
				NodeLabel:   e.Label,
				SourceField: field,
				Dimension:   e.Dimension,
				Provider:    cfg.Embeddings.Defaults.Provider,
				Model:       cfg.Embeddings.Defaults.Model,
			})
		}
	}
	return defs
}
