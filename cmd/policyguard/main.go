package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"policyguard/internal/agent"
	"policyguard/internal/chat"
	"policyguard/internal/chunker"
	"policyguard/internal/config"
	"policyguard/internal/embedding"
	"policyguard/internal/extract"
	"policyguard/internal/ingest"
	"policyguard/internal/llm"
	"policyguard/internal/logging"
	"policyguard/internal/server"
	"policyguard/internal/store"
)

var (
	// Global flags
	cfgPath string
	verbose bool

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "policyguard",
	Short: "policyguard - grounded coverage answers over insurance policies",
	Long: `policyguard ingests insurance policy documents and answers coverage
questions with a structured verdict (COVERED / NOT_COVERED / CONDITIONAL /
UNKNOWN) backed by verbatim citations from the policy text.

A fixed-order guardrail checks exclusions before inclusions, so an
exclusion clause always wins. Answers that cannot be grounded in the
cited text are downgraded to UNKNOWN rather than served.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Debug = true
		}
		return logging.Initialize(cfg.Logging.Debug)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// serveCmd runs the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Starts the HTTP API:

  POST   /api/policies            ingest a document (202 + job for large uploads)
  GET    /api/jobs/{id}           poll an async ingestion
  GET    /api/policies/{id}/stats per-kind chunk counts
  DELETE /api/policies/{id}       remove a policy and its chunks
  POST   /api/sessions            open a chat session bound to a policy
  POST   /api/chat                stream one turn as line-delimited JSON`,
	RunE: runServe,
}

// ingestCmd ingests a document from the local filesystem
var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest a policy document",
	Long: `Extracts, chunks, classifies, embeds, and stores one document.
Re-ingesting the same policy id replaces its chunks.

Example:
  policyguard ingest policy.pdf --policy my-auto-policy`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

// askCmd answers one question against a policy
var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a coverage question against an ingested policy",
	Long: `Runs one turn: routes the question, probes exclusions then
inclusions then financial terms, and streams the grounded answer followed
by the structured verdict.

Example:
  policyguard ask "Is flood damage covered?" --policy my-auto-policy`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

// statsCmd prints a policy's chunk statistics
var statsCmd = &cobra.Command{
	Use:   "stats [policy-id]",
	Short: "Show stored chunk counts for a policy",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

// deleteCmd removes a policy
var deleteCmd = &cobra.Command{
	Use:   "delete [policy-id]",
	Short: "Delete a policy and all of its chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var (
	policyID string
	mimeFlag string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "policyguard.yaml", "path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	ingestCmd.Flags().StringVar(&policyID, "policy", "", "policy id (minted when empty)")
	ingestCmd.Flags().StringVar(&mimeFlag, "mime", "", "document MIME type (inferred from the extension when empty)")
	askCmd.Flags().StringVar(&policyID, "policy", "", "policy id to ask against (required)")
	_ = askCmd.MarkFlagRequired("policy")

	rootCmd.AddCommand(serveCmd, ingestCmd, askCmd, statsCmd, deleteCmd)
}

// =============================================================================
// WIRING
// =============================================================================

// app holds the wired components shared by the subcommands.
type app struct {
	store    *store.ChunkStore
	pipeline *ingest.Pipeline
	orch     *chat.Orchestrator
}

func buildApp() (*app, error) {
	s, err := store.New(cfg.Store.Path, cfg.Embedding.Dim)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	docEmbed, err := embedding.NewEngine(cfg.Embedding, embedding.TaskDocument)
	if err != nil {
		s.Close()
		return nil, err
	}
	queryEmbed, err := embedding.NewEngine(cfg.Embedding, embedding.TaskQuery)
	if err != nil {
		s.Close()
		return nil, err
	}

	llmClient, err := buildLLM()
	if err != nil {
		s.Close()
		return nil, err
	}

	var ocr extract.OCRClient
	if cfg.Extract.OCREndpoint != "" {
		timeout, err := time.ParseDuration(cfg.Extract.OCRTimeout)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("invalid ocr_timeout: %w", err)
		}
		ocr = extract.NewHTTPOCRClient(cfg.Extract.OCREndpoint, timeout)
	}
	pdf := extract.NewPDFExtractor(cfg.Extract.ParseEndpoint, cfg.Extract.MinNativeCoverage, ocr)

	var refiner chunker.KindClassifier
	if cfg.Chunker.LLMRefine {
		refiner = llmClient
	}
	pipeline := ingest.New(s, pdf, chunker.New(cfg.Chunker), docEmbed, refiner)

	guard := agent.New(s, queryEmbed, llmClient, cfg.Agent)
	orch := chat.New(s, guard, llmClient, cfg.Server.ComposeStreams)

	return &app{store: s, pipeline: pipeline, orch: orch}, nil
}

func buildLLM() (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "gemini":
		retry := llm.RetryPolicy{Base: cfg.RetryBase(), MaxTries: cfg.Retry.MaxTries}
		return llm.NewGeminiClient(cfg.LLM, retry)
	case "mock":
		// Local development without a provider key.
		return &llm.MockClient{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func runServe(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	turnTimeout, err := cfg.TurnTimeout()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg.Server, a.pipeline, ingest.NewJobs(a.pipeline), a.orch, a.store, turnTimeout)
	return srv.Run(ctx)
}

func runIngest(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	mime := mimeFlag
	if mime == "" {
		mime = mimeFromExtension(args[0])
	}

	res, err := a.pipeline.Ingest(cmd.Context(), policyID, data, mime)
	if err != nil {
		return err
	}

	fmt.Printf("Ingested policy %s: %d chunks across %d pages\n", res.PolicyID, res.ChunkCount, res.Pages)
	for _, pe := range res.PageErrors {
		fmt.Printf("  warning: %s\n", pe)
	}
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	question := strings.Join(args, " ")
	turnTimeout, err := cfg.TurnTimeout()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), turnTimeout)
	defer cancel()

	sess, err := a.orch.CreateSession(ctx, policyID)
	if err != nil {
		return err
	}
	events, err := a.orch.Turn(ctx, sess.ID, policyID, question)
	if err != nil {
		return err
	}

	for ev := range events {
		switch ev.Type {
		case chat.EventToken:
			fmt.Print(ev.Token)
		case chat.EventVerdict:
			fmt.Println()
			out, err := json.MarshalIndent(ev.Verdict, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
		case chat.EventError:
			fmt.Println()
			return fmt.Errorf("turn failed: %s: %s", ev.Err.Code, ev.Err.Message)
		}
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	stats, err := a.store.Stats(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Policy %s: %d chunks across %d pages\n", stats.PolicyID, stats.ChunkCount, stats.Pages)
	for kind, n := range stats.ByKind {
		fmt.Printf("  %-12s %d\n", kind, n)
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	if err := a.store.DeletePolicy(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted policy %s\n", args[0])
	return nil
}

func mimeFromExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	default:
		return "text/plain"
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
