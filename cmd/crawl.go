package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ragline/ragline/internal/app"
	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/ingest"
)

type crawlFlags struct {
	url          string
	agent        string
	maxDepth     int
	maxPages     int
	include      []string
	exclude      []string
	ignoreRobots bool
}

func newCrawlCmd() *cobra.Command {
	flags := &crawlFlags{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run a single crawl campaign and wait for it to finish",
		Long: `Starts one crawl campaign in-process, drives it with an embedded
worker pool, and exits once the campaign reaches a terminal state.
Useful for ad-hoc ingestion without a running service.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.url, "url", "", "start URL (required)")
	cmd.Flags().StringVar(&flags.agent, "agent", "", "agent the documents belong to (required)")
	cmd.Flags().IntVar(&flags.maxDepth, "max-depth", 0, "link depth limit (0 uses the configured default)")
	cmd.Flags().IntVar(&flags.maxPages, "max-pages", 0, "page count limit (0 uses the configured default)")
	cmd.Flags().StringSliceVar(&flags.include, "include", nil, "regular expressions a URL must match to be indexed")
	cmd.Flags().StringSliceVar(&flags.exclude, "exclude", nil, "regular expressions that exclude a URL from indexing")
	cmd.Flags().BoolVar(&flags.ignoreRobots, "ignore-robots", false, "skip robots.txt compliance")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func runCrawl(ctx context.Context, flags *crawlFlags) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() { _ = a.Close(context.Background()) }()

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	go a.RunWorkers(workerCtx)

	maxDepth := flags.maxDepth
	if maxDepth <= 0 {
		maxDepth = cfg.Crawler.MaxDepthDefault
	}
	maxPages := flags.maxPages
	if maxPages <= 0 {
		maxPages = cfg.Crawler.MaxPagesDefault
	}
	crawl, err := a.Crawler().Start(ctx, ingest.Crawl{
		AgentID:         flags.agent,
		StartURL:        flags.url,
		MaxDepth:        maxDepth,
		MaxPages:        maxPages,
		Delay:           cfg.CrawlDelay(),
		IncludePatterns: flags.include,
		ExcludePatterns: flags.exclude,
		RespectRobots:   !flags.ignoreRobots,
	})
	if err != nil {
		return fmt.Errorf("start crawl: %w", err)
	}
	fmt.Printf("crawl %s started for %s\n", crawl.ID, crawl.StartURL)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		current, err := a.CrawlStore().GetCrawl(ctx, crawl.ID)
		if err != nil {
			return fmt.Errorf("poll crawl: %w", err)
		}
		if !current.Status.IsTerminal() {
			continue
		}
		c := current.Counters
		fmt.Printf("crawl %s %s: discovered=%d crawled=%d indexed=%d skipped=%d errored=%d bytes=%d\n",
			current.ID, current.Status,
			c.PagesDiscovered, c.PagesCrawled, c.PagesIndexed, c.PagesSkipped, c.PagesErrored, c.BytesFetched)
		if current.ErrorText != "" {
			fmt.Printf("error: %s\n", current.ErrorText)
		}
		return nil
	}
}
