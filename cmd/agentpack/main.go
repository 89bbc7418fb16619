// SPDX-License-Identifier: MIT

// Command agentpack builds offline distribution bundles of language servers:
// it resolves a manifest for a target platform, downloads and verifies the
// assets into a content-addressed cache, and assembles a portable archive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/pkgsmith/agentpack/internal/bundle"
	"github.com/pkgsmith/agentpack/internal/cache"
	"github.com/pkgsmith/agentpack/internal/config"
	"github.com/pkgsmith/agentpack/internal/doctor"
	"github.com/pkgsmith/agentpack/internal/fetch"
	"github.com/pkgsmith/agentpack/internal/log"
	"github.com/pkgsmith/agentpack/internal/manifest"
	"github.com/pkgsmith/agentpack/internal/status"
	"github.com/pkgsmith/agentpack/internal/verify"
	"github.com/pkgsmith/agentpack/internal/version"
	"github.com/pkgsmith/agentpack/internal/watch"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}

	switch args[0] {
	case "build":
		return cmdBuild(args[1:])
	case "fetch":
		return cmdFetch(args[1:])
	case "verify":
		return cmdVerify(args[1:])
	case "manifest":
		return cmdManifest(args[1:])
	case "doctor":
		return cmdDoctor(args[1:])
	case "watch":
		return cmdWatch(args[1:])
	case "version":
		fmt.Printf("agentpack %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		return 0
	case "help", "-h", "--help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: agentpack <command> [flags]

commands:
  build      resolve, download, verify, stage and assemble a bundle
  fetch      download and cache assets without assembling
  verify     re-verify cached blobs against manifest digests
  manifest   validate | resolve | diff | arm64
  doctor     run preflight checks (network, disk, manifest)
  watch      rebuild continuously on manifest/config changes
  version    print build information

Configuration comes from AGENTPACK_* environment variables, an optional
-config YAML file, and flags, in increasing precedence.
`)
}

// commonFlags are accepted by every pipeline subcommand.
type commonFlags struct {
	configPath string
	manifest   string
	platform   string
	dataDir    string
	offline    bool
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	cf := &commonFlags{}
	fs.StringVar(&cf.configPath, "config", "", "path to agentpack.yaml")
	fs.StringVar(&cf.manifest, "manifest", "", "path to the language server manifest")
	fs.StringVar(&cf.platform, "platform", "", "target platform, e.g. win-x64")
	fs.StringVar(&cf.dataDir, "data", "", "working directory for cache, staging and output")
	fs.BoolVar(&cf.offline, "offline", false, "never touch the network; build from cache only")
	return cf
}

// loadConfig builds the effective configuration: defaults, file, environment,
// then flags on top.
func (cf *commonFlags) loadConfig() (config.AppConfig, error) {
	loader := config.NewLoader(cf.configPath, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		return cfg, err
	}

	if cf.manifest != "" {
		cfg.ManifestPath = cf.manifest
	}
	if cf.platform != "" {
		cfg.Platform = cf.platform
	}
	if cf.dataDir != "" {
		if abs, err := filepath.Abs(cf.dataDir); err == nil {
			cfg.DataDir = abs
		}
		cfg.CacheDir = filepath.Join(cfg.DataDir, "cache")
		cfg.OutputDir = filepath.Join(cfg.DataDir, "dist")
	}
	if cf.offline {
		cfg.Offline = true
	}

	if err := config.Validate(cfg); err != nil {
		return cfg, err
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: cfg.LogService,
		Version: version.Version,
	})
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "agentpack: %v\n", err)
	return 1
}

// pipeline bundles the collaborators every pipeline subcommand needs.
type pipeline struct {
	builder *bundle.Builder
	store   *cache.Store
	pool    *fetch.Pool // nil in offline mode
	close   func()
}

// newPipeline wires the cache, download pool and builder from configuration.
func newPipeline(cfg config.AppConfig) (*pipeline, error) {
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	store, err := cache.Open(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	closer := func() { _ = store.Close() }

	var pool *fetch.Pool
	if !cfg.Offline {
		client, err := fetch.NewClient(fetch.Options{
			Timeout:      cfg.HTTPTimeout,
			ProxyURL:     cfg.ProxyURL,
			CABundle:     cfg.CABundle,
			UserAgent:    "agentpack/" + version.Version,
			RateLimitBps: cfg.RateLimitBps,
		})
		if err != nil {
			closer()
			return nil, err
		}

		workDir := filepath.Join(cfg.DataDir, "work")
		if err := os.MkdirAll(workDir, 0750); err != nil {
			closer()
			return nil, fmt.Errorf("create work dir: %w", err)
		}

		policy := fetch.DefaultRetryPolicy()
		policy.MaxRetries = cfg.RetryMax
		pool = fetch.NewPool(client, store, workDir, cfg.Concurrency, policy)
	}

	return &pipeline{
		builder: bundle.NewBuilder(cfg, store, pool),
		store:   store,
		pool:    pool,
		close:   closer,
	}, nil
}

func cmdBuild(args []string) int {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	cf := addCommonFlags(fs)
	_ = fs.Parse(args)

	cfg, err := cf.loadConfig()
	if err != nil {
		return fail(err)
	}

	m, err := loadValidManifest(cfg.ManifestPath)
	if err != nil {
		return fail(err)
	}

	p, err := newPipeline(cfg)
	if err != nil {
		return fail(err)
	}
	defer p.close()

	ctx, cancel := signalContext()
	defer cancel()

	res, err := p.builder.Build(ctx, m)
	if err != nil {
		// An incomplete cache in offline mode is an environment problem, not
		// a build bug; give automation a distinct exit code.
		var miss *cache.OfflineMissError
		if errors.As(err, &miss) {
			fmt.Fprintf(os.Stderr, "agentpack: %v\n", err)
			return 2
		}
		return fail(err)
	}
	fmt.Printf("%s\n", res.ArchivePath)
	return 0
}

func cmdFetch(args []string) int {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	cf := addCommonFlags(fs)
	_ = fs.Parse(args)

	cfg, err := cf.loadConfig()
	if err != nil {
		return fail(err)
	}
	if cfg.Offline {
		return fail(errors.New("fetch needs network access; offline mode is set"))
	}

	m, err := loadValidManifest(cfg.ManifestPath)
	if err != nil {
		return fail(err)
	}
	resolved, err := m.Resolve(manifest.Platform(cfg.Platform))
	if err != nil {
		return fail(err)
	}

	p, err := newPipeline(cfg)
	if err != nil {
		return fail(err)
	}
	defer p.close()

	jobs := make([]fetch.Job, 0, len(resolved))
	for _, r := range resolved {
		jobs = append(jobs, fetch.Job{ServerID: r.Server.ID, Asset: r.Asset})
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := p.pool.FetchAll(ctx, jobs); err != nil {
		return fail(err)
	}
	fmt.Printf("fetched %d asset(s) for %s\n", len(jobs), cfg.Platform)
	return 0
}

func cmdVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	cf := addCommonFlags(fs)
	_ = fs.Parse(args)

	cfg, err := cf.loadConfig()
	if err != nil {
		return fail(err)
	}
	m, err := loadValidManifest(cfg.ManifestPath)
	if err != nil {
		return fail(err)
	}

	store, err := cache.Open(cfg.CacheDir)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = store.Close() }()

	bad := 0
	checked := 0
	for _, s := range m.Servers {
		for plat, a := range s.Assets {
			if !store.Has(a.SHA256) {
				continue
			}
			checked++
			if err := verify.CheckDigest(store.BlobPath(a.SHA256), a.SHA256); err != nil {
				bad++
				fmt.Fprintf(os.Stderr, "CORRUPT  %s %s: %v\n", s.ID, plat, err)
			}
		}
	}

	fmt.Printf("verified %d cached blob(s), %d corrupt\n", checked, bad)
	if bad > 0 {
		return 1
	}
	return 0
}

func cmdManifest(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: agentpack manifest <validate|resolve|diff|arm64> [flags]")
		return 2
	}

	switch args[0] {
	case "validate":
		return cmdManifestValidate(args[1:])
	case "resolve":
		return cmdManifestResolve(args[1:])
	case "diff":
		return cmdManifestDiff(args[1:])
	case "arm64":
		return cmdManifestArm64(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown manifest subcommand: %s\n", args[0])
		return 2
	}
}

func manifestPathArg(fs *flag.FlagSet) *string {
	return fs.String("manifest", "language-servers-manifest.json", "path to the manifest")
}

func cmdManifestValidate(args []string) int {
	fs := flag.NewFlagSet("manifest validate", flag.ExitOnError)
	path := manifestPathArg(fs)
	_ = fs.Parse(args)

	if _, err := loadValidManifest(*path); err != nil {
		return fail(err)
	}
	fmt.Println("manifest is valid")
	return 0
}

func cmdManifestResolve(args []string) int {
	fs := flag.NewFlagSet("manifest resolve", flag.ExitOnError)
	path := manifestPathArg(fs)
	platform := fs.String("platform", "win-x64", "target platform")
	_ = fs.Parse(args)

	m, err := loadValidManifest(*path)
	if err != nil {
		return fail(err)
	}
	resolved, err := m.Resolve(manifest.Platform(*platform))
	if err != nil {
		return fail(err)
	}

	for _, r := range resolved {
		fmt.Printf("%-20s %-12s %-12s %s\n", r.Server.ID, r.Server.Version, r.Asset.Kind, r.Asset.URL)
	}
	return 0
}

func cmdManifestDiff(args []string) int {
	fs := flag.NewFlagSet("manifest diff", flag.ExitOnError)
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) != 2 {
		fmt.Fprintln(os.Stderr, "usage: agentpack manifest diff <old> <new>")
		return 2
	}

	oldM, err := manifest.Load(rest[0])
	if err != nil {
		return fail(err)
	}
	newM, err := manifest.Load(rest[1])
	if err != nil {
		return fail(err)
	}

	diff := manifest.Compare(oldM, newM)
	if diff.Empty() {
		fmt.Println("manifests are identical")
		return 0
	}
	for _, id := range diff.Added {
		fmt.Printf("+ %s\n", id)
	}
	for _, id := range diff.Removed {
		fmt.Printf("- %s\n", id)
	}
	for _, id := range diff.Changed {
		fmt.Printf("~ %s\n", id)
	}
	return 0
}

func cmdManifestArm64(args []string) int {
	fs := flag.NewFlagSet("manifest arm64", flag.ExitOnError)
	path := manifestPathArg(fs)
	_ = fs.Parse(args)

	m, err := loadValidManifest(*path)
	if err != nil {
		return fail(err)
	}

	report := m.Arm64Report()
	ids := make([]string, 0, len(report.Servers))
	for id := range report.Servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("%-20s %s\n", id, report.Servers[id])
	}
	if !report.Supported {
		fmt.Println("win-arm64: NOT supported (required servers missing)")
		return 1
	}
	fmt.Println("win-arm64: supported")
	return 0
}

func cmdDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	cf := addCommonFlags(fs)
	_ = fs.Parse(args)

	cfg, err := cf.loadConfig()
	if err != nil {
		return fail(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	report := doctor.ForConfig(cfg).Run(ctx)
	for _, res := range report.Results {
		line := fmt.Sprintf("%-12s %-10s %s", res.Name, res.Status, res.Message)
		if res.Error != "" {
			line += " (" + res.Error + ")"
		}
		fmt.Println(line)
	}
	fmt.Printf("overall: %s\n", report.Status)
	return report.ExitCode()
}

func cmdWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	cf := addCommonFlags(fs)
	_ = fs.Parse(args)

	cfg, err := cf.loadConfig()
	if err != nil {
		return fail(err)
	}

	p, err := newPipeline(cfg)
	if err != nil {
		return fail(err)
	}
	defer p.close()

	ctx, cancel := signalContext()
	defer cancel()

	tracker := status.NewTracker(cfg.Platform)
	if cfg.StatusAddr != "" {
		srv := status.NewServer(cfg.StatusAddr, tracker, cfg.MetricsEnabled)
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger := log.WithComponent("status")
				logger.Error().Err(err).Msg("status server failed")
			}
		}()
	}

	rebuild := func(ctx context.Context) error {
		m, err := loadValidManifest(cfg.ManifestPath)
		if err != nil {
			tracker.RecordFailure(err)
			return err
		}
		res, err := p.builder.Build(ctx, m)
		if err != nil {
			tracker.RecordFailure(err)
			return err
		}
		tracker.RecordSuccess(res)
		return nil
	}

	paths := []string{cfg.ManifestPath}
	if cf.configPath != "" {
		paths = append(paths, cf.configPath)
	}

	err = watch.New(rebuild, paths...).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fail(err)
	}
	return 0
}

func loadValidManifest(path string) (*manifest.Manifest, error) {
	m, err := manifest.Load(path)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", filepath.Base(path), err)
	}
	return m, nil
}
