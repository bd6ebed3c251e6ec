package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/vnmchuo/llm-router/internal/auth"
	"github.com/vnmchuo/llm-router/internal/router"
	"github.com/vnmchuo/llm-router/internal/seeder"
)

func runProviders(c *cli.Context) error {
	cfg, _, err := setup(c)
	if err != nil {
		return err
	}
	profiles, routing, err := cfg.Providers()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tMODEL\tCONTEXT\tPRIORITY\tENABLED")
	for _, p := range profiles {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%t\n", p.Name, p.Type, p.Model, p.ContextWindow, p.Priority, p.Enabled)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nfallback=%t complexity_threshold=%.2f context_threshold=%d rate_limit_threshold=%.2f",
		routing.EnableFallback, routing.TaskComplexityThreshold, routing.ContextSizeThreshold, routing.RateLimitThreshold)
	if routing.UserPreference != "" {
		fmt.Printf(" preference=%s", routing.UserPreference)
	}
	fmt.Println()
	return nil
}

func runProbe(c *cli.Context) error {
	name := c.Args().First()
	if name == "" && !c.Bool("all") {
		return cli.Exit("probe needs a provider name or --all", 2)
	}

	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	svc, err := newService(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	var results []router.ProbeResult
	if c.Bool("all") {
		results = svc.TestAll(c.Context)
	} else {
		if _, ok := svc.Profile(name); !ok {
			return cli.Exit(fmt.Sprintf("unknown provider %q", name), 2)
		}
		results = []router.ProbeResult{svc.TestProvider(c.Context, name)}
	}

	failed := 0
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tOK\tTIME\tERROR")
	for _, r := range results {
		msg := ""
		if r.Err != nil {
			msg = r.Err.Error()
			failed++
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", r.Provider, r.Success, r.ResponseTime.Round(1e6), msg)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d providers failed", failed, len(results)), 1)
	}
	return nil
}

func runSeedKey(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	if cfg.PostgresDSN == "" {
		return cli.Exit("POSTGRES_DSN is required to seed keys", 2)
	}

	pool, err := connectPostgres(c.Context, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := auth.NewPostgresStore(pool)
	if err := store.EnsureSchema(c.Context); err != nil {
		return err
	}

	raw, key, err := seeder.SeedAPIKey(c.Context, store, seeder.KeySpec{
		TenantID:  c.String("tenant"),
		Label:     c.String("label"),
		RateLimit: c.Int64("rate-limit"),
		Key:       c.String("key"),
	}, logger)
	if err != nil {
		return err
	}

	fmt.Printf("tenant_id: %s\nkey_id:    %s\napi_key:   %s\n", key.TenantID, key.ID, raw)
	return nil
}

func runRevokeKey(c *cli.Context) error {
	keyID := c.Args().First()
	if keyID == "" {
		return cli.Exit("revoke-key needs a key id", 2)
	}
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	if cfg.PostgresDSN == "" {
		return cli.Exit("POSTGRES_DSN is required to revoke keys", 2)
	}

	pool, err := connectPostgres(c.Context, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	var cache auth.Cache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		cache = auth.NewRedisCache(rdb, auth.DefaultCacheTTL)
	}

	key, err := auth.RevokeKey(c.Context, auth.NewPostgresStore(pool), cache, keyID)
	if errors.Is(err, auth.ErrKeyNotFound) {
		return cli.Exit(fmt.Sprintf("no active key %s", keyID), 1)
	}
	if err != nil && key == nil {
		return err
	}
	if err != nil {
		logger.WithError(err).Warn("Key revoked but cache eviction failed; it expires with the cache TTL")
	}

	fmt.Printf("revoked %s (tenant %s)\n", key.ID, key.TenantID)
	return nil
}
