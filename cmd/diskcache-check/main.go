// Command diskcache-check opens a cache directory, verifies every entry and
// prints the cache statistics.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/BurntSushi/toml"
	flag "github.com/spf13/pflag"

	"github.com/miretskiy/diskcache"
	"github.com/miretskiy/diskcache/compression"
)

// Config is the optional TOML configuration of the tool. Flags override it.
type Config struct {
	Path        string `toml:"path"`
	MaxSize     int64  `toml:"max_size"`
	Fsync       bool   `toml:"fsync"`
	DirectIO    bool   `toml:"direct_io"`
	BackupCodec string `toml:"backup_codec"`
	Timeout     string `toml:"timeout"`
}

const defaultConfig = `
max_size = 83886080
fsync = false
direct_io = true
backup_codec = "s2"
timeout = "5m"
`

func newDefaultConfig() *Config {
	c := &Config{}
	if _, err := toml.Decode(defaultConfig, c); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return c
}

// LoadFromFile overlays the settings of a TOML file.
func (c *Config) LoadFromFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return nil
}

func (c *Config) options() ([]diskcache.Option, error) {
	codec, err := compression.ParseCodec(c.BackupCodec)
	if err != nil {
		return nil, err
	}
	return []diskcache.Option{
		diskcache.WithMaxSize(c.MaxSize),
		diskcache.WithFsync(c.Fsync),
		diskcache.WithDirectIO(c.DirectIO),
		diskcache.WithBackupCodec(codec),
	}, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	flags := flag.NewFlagSet("diskcache-check", flag.ContinueOnError)
	flags.SetOutput(errOut)
	configPath := flags.String("config", "", "TOML configuration file")
	path := flags.String("path", "", "cache directory (required)")
	maxSize := flags.Int64("max-size", 0, "size budget in bytes")
	restart := flags.Bool("restart", false, "discard every entry instead of checking")
	quiet := flags.BoolP("quiet", "q", false, "print only errors")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg := newDefaultConfig()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 1
		}
	}
	if flags.Changed("path") {
		cfg.Path = *path
	}
	if flags.Changed("max-size") {
		cfg.MaxSize = *maxSize
	}
	if cfg.Path == "" {
		fmt.Fprintln(errOut, "error: --path is required")
		fmt.Fprint(errOut, flags.FlagUsages())
		return 2
	}
	opts, err := cfg.options()
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		fmt.Fprintln(errOut, "error: invalid timeout:", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cache, err := diskcache.Open(ctx, cfg.Path, opts...)
	if err != nil {
		fmt.Fprintln(errOut, "error: failed to open cache:", err)
		return 1
	}
	code := check(ctx, cache, *restart, *quiet, out, errOut)
	if err := cache.Close(); err != nil {
		fmt.Fprintln(errOut, "error: failed to close cache:", err)
		code = 1
	}
	return code
}

func check(ctx context.Context, cache *diskcache.Cache, restart, quiet bool, out, errOut io.Writer) int {
	code := 0
	if restart {
		if err := cache.RestartCache(ctx); err != nil {
			fmt.Fprintln(errOut, "error: restart failed:", err)
			return 1
		}
		if !quiet {
			fmt.Fprintln(out, "cache emptied")
		}
	} else {
		n, err := cache.SelfCheck(ctx)
		if err != nil {
			fmt.Fprintln(errOut, "error:", err)
			code = 1
		}
		if !quiet {
			fmt.Fprintf(out, "checked %d entries\n", n)
		}
	}
	if quiet {
		return code
	}
	stats, err := cache.GetStats(ctx)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, kv := range stats.Pairs() {
		fmt.Fprintf(w, "%s\t%s\n", kv[0], kv[1])
	}
	if err := w.Flush(); err != nil {
		return 1
	}
	return code
}
