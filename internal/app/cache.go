package app

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/netzone/internal/command"
	"github.com/blackwell-systems/netzone/internal/netcache"
	"github.com/blackwell-systems/netzone/internal/output"
)

// newRunner is the command runner used outside the daemon.
var newRunner = func() command.Runner { return command.NewExecRunner() }

var (
	cacheClear   bool
	cacheRefresh bool

	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect the persisted network caches",
		Long: `netzone keeps two caches on disk next to its state:

  • dns:      DNS server benchmarks per network, served for a day and
              dropped after a week
  • firewall: the firewalld zone list, refreshed daily`,
	}

	cacheDNSCmd = &cobra.Command{
		Use:   "dns",
		Short: "Show or clear cached DNS benchmarks",
		Args:  cobra.NoArgs,
		RunE:  runCacheDNS,
	}

	cacheFirewallCmd = &cobra.Command{
		Use:   "firewall",
		Short: "Show, refresh or clear cached firewalld zones",
		Args:  cobra.NoArgs,
		RunE:  runCacheFirewall,
	}
)

func init() {
	cacheCmd.PersistentFlags().BoolVar(&cacheClear, "clear", false, "empty the cache and delete its file")
	cacheDNSCmd.Flags().BoolVar(&cacheRefresh, "refresh", false, "benchmark resolvers on the current network with dns-bench")
	cacheFirewallCmd.Flags().BoolVar(&cacheRefresh, "refresh", false, "query firewall-cmd and update the cache")

	cacheCmd.AddCommand(cacheDNSCmd, cacheFirewallCmd)
	RootCmd.AddCommand(cacheCmd)
}

func runCacheDNS(cmd *cobra.Command, args []string) error {
	if cacheClear && cacheRefresh {
		return fmt.Errorf("--clear and --refresh cannot be used together")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	c := netcache.LoadDNS(filepath.Join(cfg.Paths.CacheDir, netcache.DNSFileName), nil, nil)

	switch {
	case cacheClear:
		if err := c.Clear(); err != nil {
			return fmt.Errorf("failed to clear DNS cache: %w", err)
		}
		fmt.Fprintln(out, "✓ DNS benchmark cache cleared")
		return nil

	case cacheRefresh:
		ctx := commandContext(cmd)
		runner := newRunner()
		network := netcache.NetworkID(ctx, runner)
		var servers []netcache.DNSServer
		err := output.Spin(cmd.ErrOrStderr(), "Benchmarking DNS servers on "+network, func() error {
			var err error
			servers, err = netcache.Benchmark(ctx, runner)
			return err
		})
		if err != nil {
			return err
		}
		c.Store(network, servers)
		c.Cleanup()
		if err := c.Save(); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Fastest DNS on %s: %s (%s, %.1fms)\n\n",
			network, servers[0].Name, servers[0].IP, servers[0].AverageLatencyMS)
	}

	fmt.Fprint(out, output.RenderDNSCache(c.Entries(), time.Now()))
	return nil
}

func runCacheFirewall(cmd *cobra.Command, args []string) error {
	if cacheClear && cacheRefresh {
		return fmt.Errorf("--clear and --refresh cannot be used together")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	c := netcache.LoadFirewall(filepath.Join(cfg.Paths.CacheDir, netcache.FirewallFileName), nil, nil)

	switch {
	case cacheClear:
		if err := c.Clear(); err != nil {
			return fmt.Errorf("failed to clear firewalld cache: %w", err)
		}
		fmt.Fprintln(out, "✓ Firewalld cache cleared")
		return nil

	case cacheRefresh:
		zones, err := c.Refresh(commandContext(cmd), newRunner())
		if err != nil {
			return err
		}
		if err := c.Save(); err != nil {
			return err
		}
		fmt.Fprint(out, output.RenderFirewallZones(zones, c.UpdatedAt(), time.Now()))
		return nil
	}

	zones, fresh := c.Zones()
	if !fresh {
		fmt.Fprintln(out, "Firewalld cache is empty or stale. Run 'netzone cache firewall --refresh'.")
		return nil
	}
	fmt.Fprint(out, output.RenderFirewallZones(zones, c.UpdatedAt(), time.Now()))
	return nil
}
