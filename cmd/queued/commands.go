package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	queue "github.com/DoNewsCode/core-drain"
	"github.com/DoNewsCode/core-drain/cache"
	"github.com/DoNewsCode/core-drain/monitor"
	"github.com/DoNewsCode/core-drain/store"
	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// openStore connects to the backing store. Tests replace it.
var openStore = func(conf appConfig) store.Store {
	return newRedisStore(conf.Redis)
}

type bootstrap func(withMetrics bool) (*app, error)

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "queued",
		Short:         "Operate the stateless job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv(envPrefix+"CONFIG"), "path to the yaml config file")

	boot := func(withMetrics bool) (*app, error) {
		conf, err := loadConfig(configPath)
		if err != nil {
			return nil, err
		}
		var m *instruments
		if withMetrics {
			m = newInstruments(conf)
		}
		return newApp(conf, openStore(conf), newLogger(conf.Log), m), nil
	}

	root.AddCommand(
		newServeCommand(boot),
		newDrainCommand(boot),
		newRetryCommand(boot),
		newRequeueCommand(boot),
		newPurgeCommand(boot),
		newHealthCommand(boot),
		newMetricsCommand(boot),
		newReconcileCommand(boot),
		newEvictCommand(boot),
	)
	return root
}

func newServeCommand(boot bootstrap) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP routes and poll the queues configured with a poll interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := boot(true)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	queue.RegisterRoutes(router, a.factory, a.conf.HTTP.Secret,
		queue.WithRateLimiter(a.rateLimiter()),
		queue.WithMetricsCache(a.tagCache(), a.conf.Cache.MetricsTTL),
	)

	var g run.Group
	ln, err := net.Listen("tcp", a.conf.HTTP.Addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	srv := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	g.Add(func() error {
		level.Info(a.logger).Log("msg", "http server listening", "addr", ln.Addr())
		return srv.Serve(ln)
	}, func(err error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})

	for _, name := range a.queueNames() {
		q, err := a.factory.Make(name)
		if err != nil {
			return err
		}
		if a.conf.Queues[name].PollIntervalSecond <= 0 {
			continue
		}
		consumeCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return q.Consume(consumeCtx)
		}, func(err error) {
			cancel()
		})
	}

	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type drainReport struct {
	Queue string `json:"queue"`
	queue.DrainResult
}

func newDrainCommand(boot bootstrap) *cobra.Command {
	var (
		all     bool
		maxJobs int
	)
	cmd := &cobra.Command{
		Use:   "drain [queue...]",
		Short: "Promote due retries, then drain the given queues once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := boot(false)
			if err != nil {
				return err
			}
			names := args
			if all {
				names = a.queueNames()
			}
			if len(names) == 0 {
				names = []string{"default"}
			}
			reports, err := drain(cmd.Context(), a, names, maxJobs)
			if perr := printJSON(cmd.OutOrStdout(), reports); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "drain every configured queue")
	cmd.Flags().IntVar(&maxJobs, "max-jobs", 0, "jobs per queue, 0 for the configured value")
	return cmd
}

// drain runs the queues concurrently; each one is a separate sequential pass.
func drain(ctx context.Context, a *app, names []string, maxJobs int) ([]drainReport, error) {
	reports := make([]drainReport, len(names))
	g, ctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			reports[i].Queue = name
			q, err := a.factory.Make(name)
			if err != nil {
				return err
			}
			result, err := q.DrainAll(ctx, maxJobs)
			reports[i].DrainResult = result
			return errors.Wrapf(err, "drain %s", name)
		})
	}
	return reports, g.Wait()
}

func newRetryCommand(boot bootstrap) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Push due retries back onto their queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, q, err := bootDefault(boot)
			if err != nil {
				return err
			}
			result := q.DeadLetters().DrainRetries(cmd.Context())
			level.Info(a.logger).Log("msg", "retries drained", "processed", result.Processed, "escalated", result.Escalated, "failed", result.Failed)
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newRequeueCommand(boot bootstrap) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job id>...",
		Short: "Replay permanently failed jobs with a fresh retry budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, q, err := bootDefault(boot)
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := q.DeadLetters().Requeue(cmd.Context(), id); err != nil {
					return errors.Wrapf(err, "requeue %s", id)
				}
				cmd.Println("requeued", id)
			}
			return nil
		},
	}
}

func newPurgeCommand(boot bootstrap) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete failed job records older than the given number of days",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, q, err := bootDefault(boot)
			if err != nil {
				return err
			}
			n, err := q.DeadLetters().PurgeOlderThan(cmd.Context(), days)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"purged": n})
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "age threshold in days")
	return cmd
}

func newHealthCommand(boot bootstrap) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the store, the monitor and the dead-letter queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, q, err := bootDefault(boot)
			if err != nil {
				return err
			}
			health := q.Monitor().HealthCheck(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), health); err != nil {
				return err
			}
			if health.Status == monitor.Unhealthy {
				return errors.New("unhealthy")
			}
			return nil
		},
	}
}

func newMetricsCommand(boot bootstrap) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print the metrics snapshot of every known queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, q, err := bootDefault(boot)
			if err != nil {
				return err
			}
			m, err := q.Monitor().GetMetrics(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
}

func newReconcileCommand(boot bootstrap) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Unregister cache tags whose index became empty",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := boot(false)
			if err != nil {
				return err
			}
			n, err := a.tagCache().Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"removed": n})
		},
	}
}

func newEvictCommand(boot bootstrap) *cobra.Command {
	var (
		priority  string
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Evict cache entries of a priority created before the given age",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := boot(false)
			if err != nil {
				return err
			}
			n, err := a.tagCache().Evict(cmd.Context(), cache.Priority(priority), olderThan)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"evicted": n})
		},
	}
	cmd.Flags().StringVar(&priority, "priority", string(cache.Low), "priority index to evict from")
	cmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "minimum entry age")
	return cmd
}

func bootDefault(boot bootstrap) (*app, *queue.Queue, error) {
	a, err := boot(false)
	if err != nil {
		return nil, nil, err
	}
	q, err := a.defaultQueue()
	return a, q, err
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
