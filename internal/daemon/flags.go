package daemon

import (
	"context"
	"os"

	"github.com/spf13/pflag"
)

// Flags is what the ahqd command line can set.
type Flags struct {
	ConfigFile string
	Config     Config
	Log        LogOptions
}

// Bind registers the daemon flags on fs. Unset flags keep zero values so
// the config file and defaults can fill them in.
func (f *Flags) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&f.ConfigFile, "config", "c", DefaultConfigFile, "config file")
	fs.StringVar(&f.Config.ListenAddr, "listen", "", "HTTP listen address (default :6699)")
	fs.StringVar(&f.Config.RedisURL, "redis-url", "", "Redis URL (default "+DefaultRedisURL+")")
	fs.DurationVar(&f.Config.AllocationTTL, "allocation-ttl", 0, "how long a pending agent waits for its session")
	fs.DurationVar(&f.Config.SeenTTL, "seen-ttl", 0, "how long an agent counts as alive after a check-in")
	fs.DurationVar(&f.Config.QueueTTL, "queue-ttl", 0, "lifetime of a queued allocation")
	fs.DurationVar(&f.Config.DispatchTimeout, "dispatch-timeout", 0, "timeout for each dispatch to an agent")
	fs.IntVar(&f.Config.Retry.MaxAttempts, "retry-attempts", 0, "transaction attempts before giving up on contention")
	fs.StringVar(&f.Config.SweepSchedule, "sweep-schedule", "", "cron spec for the queue and agent sweep (default "+DefaultSweepSchedule+")")
	fs.StringSliceVar(&f.Config.CORSOrigins, "cors-origin", nil, "origin allowed to call the API from a browser (repeatable)")
	fs.IntVar(&f.Config.EventBufferSize, "event-buffer-size", 0, "per-agent activity history size")
	fs.StringVar(&f.Config.JobServer, "job-server", "", "job server URL advertised to agents")
	fs.StringVar(&f.Log.Level, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&f.Log.Format, "log-format", "text", "log format: text or json")
}

// Resolve merges the config file into the flag values, applies defaults
// and validates the result.
func (f *Flags) Resolve() (Config, error) {
	cfg := f.Config
	if err := LoadConfigFile(f.ConfigFile, &cfg); err != nil {
		return Config{}, err
	}
	logger, err := NewLogger(os.Stderr, f.Log)
	if err != nil {
		return Config{}, err
	}
	cfg.Logger = logger
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Serve resolves the flags, connects to the store and runs the daemon
// until ctx ends or a signal arrives.
func (f *Flags) Serve(ctx context.Context) error {
	cfg, err := f.Resolve()
	if err != nil {
		return err
	}
	d, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}
