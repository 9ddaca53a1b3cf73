package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/zebbra/counter-service/internal/lib/counter"
	"github.com/zebbra/counter-service/internal/lib/events"
	"github.com/zebbra/counter-service/internal/lib/log"
	"github.com/zebbra/counter-service/internal/lib/metrics"
	"github.com/zebbra/counter-service/internal/lib/queue"
	"github.com/zebbra/counter-service/internal/lib/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var _ events.Publisher = (*queue.Queue)(nil)

func init() {
	serveCmd.Flags().StringP("web.listen-address", "l", "0.0.0.0:5000", "Listen address")
	serveCmd.Flags().String("log.level", "info", "debug|info|warn|error")
	serveCmd.Flags().Int64("health.max-errors", server.DefaultMaxErrors, "Report unhealthy once this many errors have occurred")
	serveCmd.Flags().StringP("amqp.url", "a", "", "AMQP connection URL, publishing of increment events is disabled when empty")
	serveCmd.Flags().String("amqp.queue", "counter_events", "Queue receiving increment events")

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the counter",
	RunE: func(cmd *cobra.Command, args []string) error {
		listenAddr, err := cmd.Flags().GetString("web.listen-address")

		if err != nil {
			return err
		}

		logLevel, err := cmd.Flags().GetString("log.level")

		if err != nil {
			return err
		}

		maxErrors, err := cmd.Flags().GetInt64("health.max-errors")

		if err != nil {
			return err
		}

		if maxErrors < 0 {
			return fmt.Errorf("health.max-errors must not be negative, got %d", maxErrors)
		}

		amqpURL, err := cmd.Flags().GetString("amqp.url")

		if err != nil {
			return err
		}

		amqpQueue, err := cmd.Flags().GetString("amqp.queue")

		if err != nil {
			return err
		}

		logger, err := log.NewLogger(log.WithLogLevel(logLevel))

		if err != nil {
			return err
		}

		defer func(logger *zap.Logger) {
			_ = logger.Sync()
		}(logger)
		sugar := logger.Sugar()

		count := counter.Counter(0)
		errorCounter := counter.Counter(0)
		eventsPublishedCounter := counter.Counter(0)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eg, ctx := errgroup.WithContext(ctx)

		var notifier events.Notifier = events.Nop{}
		if amqpURL != "" {
			bn := events.NewBrokerNotifier(events.Config{
				Dial: func() (events.Publisher, error) {
					q, err := queue.NewQueue(amqpURL, amqpQueue)
					if err != nil {
						return nil, err
					}
					return q, nil
				},
				Logger:           sugar,
				PublishedCounter: &eventsPublishedCounter,
				ErrorCounter:     &errorCounter,
			})
			notifier = bn
			eg.Go(func() error {
				return bn.Run(ctx)
			})
			sugar.Infow("[main] Publishing increment events", "queue", amqpQueue)
		}

		// metrics
		reg := prometheus.NewPedanticRegistry()
		_ = reg.Register(collectors.NewBuildInfoCollector())
		_ = reg.Register(collectors.NewGoCollector())
		_ = reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		_ = reg.Register(&metrics.StatisticsCollector{
			Count:                  &count,
			EventsPublishedCounter: &eventsPublishedCounter,
			ErrorCounter:           &errorCounter,
		})

		srv := server.New(server.Config{
			ListenAddr:   listenAddr,
			Counter:      &count,
			Notifier:     notifier,
			ErrorCounter: &errorCounter,
			MaxErrors:    maxErrors,
			Gatherer:     reg,
			Logger:       sugar,
		})

		eg.Go(func() error {
			return srv.Run(ctx)
		})

		if err := eg.Wait(); err != nil {
			return fmt.Errorf("serve: %w", err)
		}

		sugar.Infow("[main] Stopped", "count", count.Get())
		return nil
	},
}
