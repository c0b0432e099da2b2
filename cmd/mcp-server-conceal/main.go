// Command mcp-server-conceal is the CLI entrypoint: it parses the stable
// flag surface, loads the TOML configuration, wires every component into a
// Proxy Core, and runs it until the target child or the client stdio
// closes.
//
// Grounded on the teacher's src/backend/main.go (flag.String/flag.Parse,
// .env-then-fallback loading, layered env overrides) and
// original_source/crates/mcp-server-conceal/src/main.rs (the stable flag
// names, parse_target_args/parse_target_env semantics, the
// --keep-database default-reset behavior, and sentry-go panic reporting
// wired into the supervisor loop per spec §7).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/gbrigandi/mcp-server-conceal/internal/config"
	"github.com/gbrigandi/mcp-server-conceal/internal/detect"
	"github.com/gbrigandi/mcp-server-conceal/internal/llmcache"
	"github.com/gbrigandi/mcp-server-conceal/internal/mapping"
	"github.com/gbrigandi/mcp-server-conceal/internal/promptloader"
	"github.com/gbrigandi/mcp-server-conceal/internal/proxy"
	"github.com/gbrigandi/mcp-server-conceal/internal/rewrite"
	"github.com/gbrigandi/mcp-server-conceal/internal/shellsplit"
)

// exitConfigInvalid and exitSpawnFailed are the exit codes spec §6/§7
// assigns; exitFrameTooLarge is this program's own non-zero code for §7's
// FrameTooLarge teardown.
const (
	exitOK            = 0
	exitConfigInvalid = 2
	exitSpawnFailed   = 3
	exitFrameTooLarge = 4
)

// purgeInterval is the coarse timer spec §4.1 calls for ("runs at startup
// plus on a coarse timer"); mapping.Open already covers the startup half.
const purgeInterval = 1 * time.Hour

// repeatableFlag collects every occurrence of a repeatable flag like
// --target-env, mirroring the teacher's plain-flag idiom (no CLI
// framework) extended with the small helper type SPEC_FULL.md's ambient
// stack section calls for.
type repeatableFlag []string

func (r *repeatableFlag) String() string { return strings.Join(*r, ",") }

func (r *repeatableFlag) Set(value string) error {
	*r = append(*r, value)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	targetCommand := flag.String("target-command", "", "Command to execute for the target MCP server (required)")
	targetArgs := flag.String("target-args", "", "Arguments for the target MCP server, shell-split")
	targetCwd := flag.String("target-cwd", "", "Working directory for the target MCP server")
	var targetEnv repeatableFlag
	flag.Var(&targetEnv, "target-env", "Environment variable KEY=VALUE for the target server (repeatable)")
	configPath := flag.String("config", "", "Path to the TOML configuration file (required)")
	keepDatabase := flag.Bool("keep-database", false, "Keep existing mapping database contents instead of resetting on startup")
	logLevel := flag.String("log-level", "info", "Log level (error, warn, info, debug)")
	flag.Parse()

	if v := os.Getenv("MCP_CONCEAL_LOG"); v != "" {
		*logLevel = v
	}
	log.Printf("[Main] Log level: %s", *logLevel)

	if *targetCommand == "" {
		log.Printf("[Main] --target-command is required")
		return exitConfigInvalid
	}
	if *configPath == "" {
		log.Printf("[Main] --config is required")
		return exitConfigInvalid
	}

	parsedArgs, err := shellsplit.Split(*targetArgs)
	if err != nil {
		log.Printf("[Main] Failed to parse --target-args: %v", err)
		return exitConfigInvalid
	}

	targetEnvPairs, err := parseTargetEnv(targetEnv)
	if err != nil {
		log.Printf("[Main] %v", err)
		return exitConfigInvalid
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[Main] Failed to load configuration: %v", err)
		return exitConfigInvalid
	}

	if err := sentry.Init(sentry.ClientOptions{}); err != nil {
		log.Printf("[Main] Warning: sentry initialization failed, continuing without error reporting: %v", err)
	} else {
		defer sentry.Flush(5 * time.Second)
		defer func() {
			if r := recover(); r != nil {
				sentry.CurrentHub().Recover(r)
				sentry.Flush(5 * time.Second)
				panic(r)
			}
		}()
	}

	if !*keepDatabase {
		if err := os.Remove(cfg.Mapping.DatabasePath); err != nil && !os.IsNotExist(err) {
			log.Printf("[Main] Warning: failed to remove existing mapping database: %v", err)
		} else if err == nil {
			log.Printf("[Main] Removed existing mapping database (use --keep-database to preserve mappings)")
		}
	} else {
		log.Printf("[Main] Keeping existing mapping database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trapSignals(cancel)

	store, err := mapping.Open(ctx, mapping.Config{
		DatabasePath:  cfg.Mapping.DatabasePath,
		RetentionDays: cfg.Mapping.RetentionDays,
		Encryption:    cfg.Mapping.Encryption,
		GlobalSeed:    effectiveFakerSeed(cfg),
		Consistency:   cfg.Faker.Consistency,
	})
	if err != nil {
		log.Printf("[Main] Failed to open mapping store: %v", err)
		return exitConfigInvalid
	}
	defer store.Close()
	startPeriodicPurge(ctx, purgeInterval, store.Purge)

	detector, cache, err := buildDetector(ctx, cfg)
	if err != nil {
		log.Printf("[Main] Failed to build detector: %v", err)
		return exitConfigInvalid
	}

	rewriter := rewrite.New(detector, store)

	spec := proxy.Spec{
		TargetCommand: *targetCommand,
		TargetArgs:    parsedArgs,
		TargetCwd:     *targetCwd,
		TargetEnv:     targetEnvPairs,
		Rewriter:      rewriter,
		Stats:         store,
		PanicHandler: func(r interface{}) {
			sentry.CurrentHub().Recover(r)
		},
	}
	if cache != nil {
		spec.Cache = cache
	}
	p := proxy.New(spec)

	code, err := p.Run(ctx, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		log.Printf("[Main] Proxy run failed: %v", err)
		sentry.CaptureException(err)
		if errors.Is(err, proxy.ErrFrameTooLarge) {
			return exitFrameTooLarge
		}
		return exitSpawnFailed
	}
	return code
}

// startPeriodicPurge re-runs purge on a coarse ticker until ctx is done,
// supplementing the startup purge mapping.Open already performs per spec
// §4.1's "purge ... runs at startup plus on a coarse timer". Runs in its own
// goroutine; the caller doesn't wait on it, matching trapSignals below.
func startPeriodicPurge(ctx context.Context, interval time.Duration, purge func(context.Context) error) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := purge(ctx); err != nil {
					log.Printf("[Main] Warning: periodic mapping purge failed: %v", err)
				}
			}
		}
	}()
}

// effectiveFakerSeed resolves [faker].seed against [faker].consistency. When
// consistency is true, seed is used verbatim so the same real value proposes
// the same surrogate across restarts. When false, the configured seed is
// discarded in favor of a fresh, non-reproducible one, mirroring the
// teacher's NewGeneratorService (time-seeded) vs NewGeneratorServiceWithSeed
// split.
func effectiveFakerSeed(cfg *config.Config) uint64 {
	if cfg.Faker.Consistency {
		return cfg.Faker.Seed
	}
	return uint64(time.Now().UnixNano())
}

// trapSignals cancels ctx on SIGINT/SIGTERM, which the Proxy Core's pumps
// observe as the client-closed cancellation signal per spec §5.
func trapSignals(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("[Main] Received termination signal, shutting down")
		cancel()
	}()
}

// parseTargetEnv validates each KEY=VALUE pair the way
// original_source/main.rs's parse_target_env does, returning them in the
// os/exec-ready "KEY=VALUE" form rather than a map, since cmd.Env wants
// that form directly.
func parseTargetEnv(pairs []string) ([]string, error) {
	out := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		if !strings.Contains(pair, "=") {
			return nil, fmt.Errorf("invalid --target-env value %q: expected KEY=VALUE", pair)
		}
		out = append(out, pair)
	}
	return out, nil
}

// buildDetector wires the Regex Detector, optionally the LLM Detector
// (wrapped in the LLM Cache when enabled), and the Hybrid Detector that
// orchestrates them, per cfg.Detection.Mode. The returned *llmcache.Cache is
// nil unless [llm_cache].enabled is set, so the caller can fold its entry
// count into the Proxy Core's shutdown statistics (spec §2.3/§4.8).
func buildDetector(ctx context.Context, cfg *config.Config) (detect.Detector, *llmcache.Cache, error) {
	var regexDetector detect.Detector
	if cfg.Detection.Mode == config.ModeRegex || cfg.Detection.Mode == config.ModeRegexLLM {
		rd, err := detect.NewRegexDetector(cfg.ResolvedPatterns())
		if err != nil {
			return nil, nil, fmt.Errorf("build regex detector: %w", err)
		}
		regexDetector = rd
	}

	var llmDetector detect.Detector
	var cache *llmcache.Cache
	if cfg.Detection.Mode == config.ModeLLM || cfg.Detection.Mode == config.ModeRegexLLM {
		loader, err := promptloader.New()
		if err != nil {
			return nil, nil, fmt.Errorf("build prompt loader: %w", err)
		}
		template, err := loader.Load(cfg.LLM.PromptTemplate)
		if err != nil {
			return nil, nil, fmt.Errorf("load prompt template %q: %w", cfg.LLM.PromptTemplate, err)
		}
		promptFunc := func(text string) string {
			return promptloader.Format(template, text)
		}

		base := detect.NewLLMDetector(detect.LLMConfig{
			Endpoint:       cfg.LLM.Endpoint,
			Model:          cfg.LLM.Model,
			TimeoutSeconds: cfg.LLM.TimeoutSeconds,
			MinConfidence:  cfg.Detection.ConfidenceThreshold,
		}, promptFunc)

		llmDetector = base
		if cfg.LLMCache.Enabled {
			cache, err = llmcache.Open(ctx, llmcache.Config{
				DatabasePath:  cfg.LLMCache.DatabasePath,
				MaxTextLength: cfg.LLMCache.MaxTextLength,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("open llm cache: %w", err)
			}
			llmDetector = llmcache.NewCachedDetector(cache, base, cfg.LLM.PromptTemplate, cfg.LLM.Model)
		}
		// The size gate wraps the (possibly cache-wrapped) LLM detector on
		// the outside, per spec §4.3: oversized text bypasses the LLM
		// entirely "and therefore the cache" too, regardless of whether
		// [llm_cache].enabled is set.
		llmDetector = llmcache.NewSizeGatedDetector(llmDetector, cfg.LLMCache.MaxTextLength)
	}

	hybridMode := detect.Mode(cfg.Detection.Mode)
	hybrid, err := detect.NewHybridDetector(hybridMode, regexDetector, llmDetector)
	if err != nil {
		return nil, nil, err
	}
	return hybrid, cache, nil
}
