package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	resilient "github.com/to6ka/go-resilient-redis"
)

type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *Config
	logger  *logrus.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), logger: logrus.New()}

	root := &cobra.Command{
		Use:   "redis-failover",
		Short: "redis-failover talks to redis through the resilient clients",
		Long: `redis-failover sends commands to a single redis server, to the best node
of a set of candidates, or to the master reported by redis sentinels. The
connection is reopened transparently when it breaks.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "configuration file")

	flags.StringSlice("addrs", nil, "redis addresses, redis://[:password@]host[:port][/db]")
	checkNoErr(a.v.BindPFlag("addrs", flags.Lookup("addrs")))

	flags.String("policy", "round_robin", "node selection policy with several addrs: round_robin or lowest_latency")
	checkNoErr(a.v.BindPFlag("policy", flags.Lookup("policy")))

	flags.StringSlice("sentinels", nil, "sentinel addresses")
	checkNoErr(a.v.BindPFlag("sentinels", flags.Lookup("sentinels")))

	flags.String("master", "", "name of the master monitored by the sentinels")
	checkNoErr(a.v.BindPFlag("master", flags.Lookup("master")))

	flags.String("master-password", "", "password of the master resolved by the sentinels")
	checkNoErr(a.v.BindPFlag("master-password", flags.Lookup("master-password")))

	flags.Int("db", 0, "db of the master resolved by the sentinels")
	checkNoErr(a.v.BindPFlag("db", flags.Lookup("db")))

	flags.Duration("timeout", resilient.DefaultTimeout, "timeout of every network operation")
	checkNoErr(a.v.BindPFlag("timeout", flags.Lookup("timeout")))

	flags.Duration("check-interval", 5*time.Second, "period of the background check")
	checkNoErr(a.v.BindPFlag("check-interval", flags.Lookup("check-interval")))

	flags.String("log-level", "info", "log level")
	checkNoErr(a.v.BindPFlag("log-level", flags.Lookup("log-level")))

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Ping the target periodically and expose metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.watch(cmd.Context())
		},
	}
	watchCmd.Flags().String("metrics-addr", "", "listen address of the /metrics endpoint, e.g. :9121")
	checkNoErr(a.v.BindPFlag("metrics-addr", watchCmd.Flags().Lookup("metrics-addr")))

	root.AddCommand(
		&cobra.Command{
			Use:   "ping",
			Short: "Send PING",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withClient(func(c client) error {
					resp, err := c.Do("PING")
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), resp)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print the value of a key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withClient(func(c client) error {
					v, err := c.Get(args[0])
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), v)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Set the value of a key",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withClient(func(c client) error {
					return c.Set(args[0], args[1])
				})
			},
		},
		watchCmd,
	)

	return root
}

func (a *app) setup() error {
	if err := setupViper(a.v, a.cfgFile); err != nil {
		return err
	}
	cfg, err := loadConfig(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger.SetLevel(cfg.LogLevel)
	return nil
}

func (a *app) withClient(fn func(c client) error) error {
	c, err := a.cfg.connect(a.logger)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func (a *app) serveMetrics(addr string) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(resilient.Collectors()...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Errorf("metrics server: %s", err)
		}
	}()
	return server
}

func (a *app) watch(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.cfg.MetricsAddr != "" {
		server := a.serveMetrics(a.cfg.MetricsAddr)
		defer server.Close()
	}

	return a.withClient(func(c client) error {
		interval := a.cfg.CheckInterval
		if interval <= 0 {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			resp, err := c.Do("PING")
			if err != nil {
				a.logger.Warnf("ping failed: %s", err)
			} else {
				a.logger.WithFields(logrus.Fields{
					"addr":     resp.Addr.Redacted(),
					"attempts": resp.Attempts,
				}).Info("ping")
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
}

func checkNoErr(err error) {
	if err != nil {
		panic(err)
	}
}
