package commands

import (
	"fmt"
	"time"

	"github.com/illmade-knight/go-stumbler/pkg/helpers/loadgen"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
)

type simulateOptions struct {
	*rootOptions
	devices  int
	rate     float64
	duration time.Duration
	broker   string
	seed     int64
}

func newSimulateCommand(root *rootOptions) *cobra.Command {
	opts := &simulateOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Generate synthetic observations",
		Long: `Simulate drives a set of fake stumbler devices. With --broker the
observations are published to MQTT on mqtt.topic, otherwise they are
appended straight to the local queue.`,
		Args: cobra.NoArgs,
		RunE: opts.run,
	}
	cmd.Flags().IntVar(&opts.devices, "devices", 3, "number of simulated devices")
	cmd.Flags().Float64Var(&opts.rate, "rate", 5, "observations per second per device")
	cmd.Flags().DurationVar(&opts.duration, "duration", 10*time.Second, "how long to run")
	cmd.Flags().StringVar(&opts.broker, "broker", "", "MQTT broker URL; defaults to mqtt.broker_url")
	cmd.Flags().Int64Var(&opts.seed, "seed", 1, "random seed for generated observations")
	return cmd
}

func (o *simulateOptions) run(cmd *cobra.Command, _ []string) (err error) {
	cfg, logger, err := o.load()
	if err != nil {
		return err
	}
	if o.devices <= 0 {
		return fmt.Errorf("--devices must be positive, got %d", o.devices)
	}
	if o.broker == "" {
		o.broker = cfg.MQTT.BrokerURL
	}

	genCfg := loadgen.DefaultObservationGeneratorConfig()
	genCfg.Seed = o.seed
	devices := loadgen.NewDevices(o.devices, o.rate, genCfg, clockwork.NewRealClock())

	var client loadgen.Client
	var svc *service
	if o.broker != "" {
		client = loadgen.NewMqttClient(o.broker, cfg.MQTT.Topic, 1, logger)
	} else {
		svc, err = newService(cmd.Context(), cfg, logger, serviceOptions{})
		if err != nil {
			return err
		}
		defer func() {
			if cerr := svc.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		client = loadgen.NewQueueClient(svc.queue)
	}

	summary, err := loadgen.NewLoadGenerator(client, devices, logger).Run(cmd.Context(), o.duration)
	if err != nil {
		return err
	}
	target := "queue"
	if o.broker != "" {
		target = o.broker
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %d observations to %s (%d refused, %d failed)\n",
		summary.Accepted, target, summary.Refused, summary.Failed)
	return nil
}
