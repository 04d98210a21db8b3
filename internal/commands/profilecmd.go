package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/profile"
)

func newProfileCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect configuration profiles",
	}
	cmd.AddCommand(
		newProfileListCommand(opts),
		newProfileShowCommand(opts),
		newProfileCurrentCommand(opts),
	)
	return cmd
}

func newProfileListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig("")
			if err != nil {
				return err
			}
			names, err := profile.List(cfg.ProfilesDir)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(names)
			}
			if len(names) == 0 {
				fmt.Printf("no profiles in %s\n", cfg.ProfilesDir)
				return nil
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
}

func newProfileShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show the config a profile resolves to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(args[0])
			if err != nil {
				return err
			}
			p, err := profile.Load(cfg.ProfilesDir, args[0])
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(map[string]interface{}{
					"name":   p.Name,
					"chain":  p.Chain,
					"config": redactConfig(cfg),
				})
			}
			fmt.Printf("profile %s (chain: %s)\n\n", p.Name, strings.Join(p.Chain, " -> "))
			printConfig(cfg)
			return nil
		},
	}
}

func newProfileCurrentCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(opts.profile)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(redactConfig(cfg))
			}
			if opts.profile != "" {
				fmt.Printf("profile: %s\n\n", opts.profile)
			}
			printConfig(cfg)
			return nil
		},
	}
}

func printConfig(cfg *core.Config) {
	fmt.Printf("tier:         %s\n", cfg.Tier)
	fmt.Printf("database:     %s (%s)\n", redactURL(cfg.Database.URL), cfg.Database.Backend)
	fmt.Printf("scheduler:    %s\n", cfg.Scheduler.Backend)
	fmt.Printf("cache:        %s\n", cfg.Cache.Backend)
	fmt.Printf("worker:       %s (workers=%d, concurrency=%d)\n",
		cfg.Worker.Backend, cfg.Worker.MaxWorkers, cfg.Worker.MaxConcurrency)
	fmt.Printf("metrics:      %s\n", cfg.Metrics.Backend)
	fmt.Printf("tracing:      %s\n", cfg.Tracing.Backend)
	fmt.Printf("api port:     %d\n", cfg.API.Port)
	fmt.Printf("logging:      %s/%s\n", cfg.Logging.Level, cfg.Logging.Format)
}

// redactConfig strips credentials from URLs before printing.
func redactConfig(cfg *core.Config) map[string]interface{} {
	clone := *cfg
	clone.Database.URL = redactURL(clone.Database.URL)
	clone.RedisURL = redactURL(clone.RedisURL)
	clone.NATSURL = redactURL(clone.NATSURL)
	b, _ := json.Marshal(clone)
	out := map[string]interface{}{}
	_ = json.Unmarshal(b, &out)
	return out
}

func redactURL(u string) string {
	at := strings.LastIndex(u, "@")
	scheme := strings.Index(u, "://")
	if at == -1 || scheme == -1 || at < scheme {
		return u
	}
	return u[:scheme+3] + "***" + u[at:]
}
