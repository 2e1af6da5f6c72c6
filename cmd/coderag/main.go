package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/efebarandurmaz/coderag/internal/app"
	"github.com/efebarandurmaz/coderag/internal/embedding"
)

type globalFlags struct {
	configPath string
	store      string
	dir        string
	jsonOut    bool
}

func main() {
	var g globalFlags

	rootCmd := &cobra.Command{
		Use:           "coderag",
		Short:         "Index source repositories and retrieve context for them",
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&g.store, "store", "", "Override vector backend (qdrant|memory)")
	rootCmd.PersistentFlags().StringVar(&g.dir, "dir", "", "Directory holding the repository (default <source.root>/<repository>)")
	rootCmd.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "Print results as JSON")

	var paths []string
	indexCmd := &cobra.Command{
		Use:   "index <repository>",
		Short: "Index a repository in-process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd.Context(), g, args[0], paths)
		},
	}
	indexCmd.Flags().StringSliceVar(&paths, "paths", nil, "Only index these repository-relative paths")

	var topK int
	searchCmd := &cobra.Command{
		Use:   "search <repository> <query>",
		Short: "Retrieve the most relevant files for a query",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), g, args[0], args[1], topK)
		},
	}
	searchCmd.Flags().IntVar(&topK, "top-k", 0, "Number of results (default from config)")

	var (
		enqueuePaths []string
		viaNATS      bool
	)
	enqueueCmd := &cobra.Command{
		Use:   "enqueue <repository>",
		Short: "Enqueue a durable indexing job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd.Context(), g, args[0], enqueuePaths, viaNATS)
		},
	}
	enqueueCmd.Flags().StringSliceVar(&enqueuePaths, "paths", nil, "Changed repository-relative paths (default: whole repository)")
	enqueueCmd.Flags().BoolVar(&viaNATS, "nats", false, "Publish a repository-changed event instead of calling Temporal")

	statusCmd := &cobra.Command{
		Use:   "status <repository>",
		Short: "Show the indexing job status of a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), g, args[0])
		},
	}

	var direct bool
	purgeCmd := &cobra.Command{
		Use:   "purge <repository>",
		Short: "Remove every vector of a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(cmd.Context(), g, args[0], direct)
		},
	}
	purgeCmd.Flags().BoolVar(&direct, "direct", false, "Purge in-process instead of through the purge workflow")

	watchCmd := &cobra.Command{
		Use:   "watch <repository>",
		Short: "Watch a local checkout and enqueue changed files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), g, args[0], viaNATS)
		},
	}
	watchCmd.Flags().BoolVar(&viaNATS, "nats", false, "Publish changes to NATS instead of calling Temporal")

	var (
		addr       string
		withWorker bool
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(g, addr, withWorker)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	serveCmd.Flags().BoolVar(&withWorker, "worker", false, "Also run the Temporal worker in this process")

	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "List available embedding providers",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available embedding providers:")
			fmt.Println()
			names := make([]string, 0, len(embedding.KnownProviders))
			for name := range embedding.KnownProviders {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("  %-8s %-32s %s\n", name, embedding.DefaultModels[name], embedding.KnownProviders[name])
			}
			fmt.Println("  custom   (set base_url to any OpenAI-compatible endpoint)")
			fmt.Println()
			fmt.Println("Configure in coderag.yaml or via environment:")
			fmt.Println("  CODERAG_EMBEDDING_PROVIDER=openai")
			fmt.Println("  CODERAG_EMBEDDING_API_KEY=sk-...")
			fmt.Println("  EMBEDDING_MODEL=text-embedding-3-small")
		},
	}

	rootCmd.AddCommand(indexCmd, searchCmd, enqueueCmd, statusCmd, purgeCmd, watchCmd, serveCmd, providersCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
