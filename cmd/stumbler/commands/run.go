package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/go-stumbler/pkg/config"
	"github.com/illmade-knight/go-stumbler/pkg/ingest"
	"github.com/illmade-knight/go-stumbler/pkg/uploader"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type runOptions struct {
	*rootOptions
	networkPoll time.Duration
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest observations and upload them on a schedule",
		Long: `Run subscribes to the configured MQTT broker (if any), queues every
observation on disk and uploads on upload.interval. SIGUSR1 requests an
immediate upload pass; SIGINT/SIGTERM flush the buffer and exit.`,
		Args: cobra.NoArgs,
		RunE: opts.run,
	}
	cmd.Flags().DurationVar(&opts.networkPoll, "network-poll", uploader.DefaultNetworkPoll, "how often to check for a wifi network when upload.wifi_only is set")
	return cmd
}

func (o *runOptions) run(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := o.load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx, cfg, logger, serviceOptions{uploader: true, metrics: cfg.Metrics.Listen != ""})
	if err != nil {
		return err
	}

	params := uploader.Params{WifiOnly: cfg.Upload.WifiOnly}
	scheduler, err := uploader.NewScheduler(svc.uploader, uploader.SchedulerConfig{
		Interval: cfg.Upload.Interval,
		Params:   params,
	}, nil, logger)
	if err != nil {
		return errors.Join(err, svc.Close())
	}

	var source *ingest.MQTTSource
	if cfg.MQTT.BrokerURL != "" {
		source, err = ingest.NewMQTTSource(svc.queue, nil, logger, ingest.DefaultSourceConfig(), mqttClientConfig(cfg.MQTT))
		if err != nil {
			return errors.Join(err, svc.Close())
		}
		if err := source.Start(); err != nil {
			return errors.Join(err, svc.Close())
		}
	} else {
		logger.Info().Msg("No MQTT broker configured; observations are only accepted from simulate.")
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gCtx) })

	if source != nil {
		g.Go(func() error {
			for {
				select {
				case <-gCtx.Done():
					source.Stop()
					return nil
				case err := <-source.Err():
					logger.Warn().Err(err).Msg("Observation source error.")
				}
			}
		})
	}

	if params.WifiOnly {
		g.Go(func() error {
			scheduler.WatchNetwork(gCtx, uploader.NewInterfaceNetworkPolicy(nil, logger), o.networkPoll)
			return nil
		})
	}

	g.Go(func() error {
		triggers := make(chan os.Signal, 1)
		signal.Notify(triggers, syscall.SIGUSR1)
		defer signal.Stop(triggers)
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-triggers:
				logger.Info().Msg("Upload requested by signal.")
				scheduler.Trigger()
			}
		}
	})

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", svc.metricsHTTP)
		server := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			logger.Info().Str("listen", cfg.Metrics.Listen).Msg("Serving metrics.")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()
	logger.Info().Msg("Shutting down, flushing buffered observations.")
	return errors.Join(runErr, svc.Close())
}

func mqttClientConfig(c config.MQTTConfig) ingest.MQTTClientConfig {
	return ingest.MQTTClientConfig{
		BrokerURL:          c.BrokerURL,
		Topic:              c.Topic,
		ClientIDPrefix:     c.ClientIDPrefix,
		Username:           c.Username,
		Password:           c.Password,
		KeepAlive:          c.KeepAlive,
		ConnectTimeout:     c.ConnectTimeout,
		ReconnectWaitMax:   c.ReconnectWaitMax,
		CACertFile:         c.CACertFile,
		ClientCertFile:     c.ClientCertFile,
		ClientKeyFile:      c.ClientKeyFile,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}
