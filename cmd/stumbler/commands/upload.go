package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/illmade-knight/go-stumbler/pkg/uploader"
	"github.com/spf13/cobra"
)

type uploadOptions struct {
	*rootOptions
	force bool
}

func newUploadCommand(root *rootOptions) *cobra.Command {
	opts := &uploadOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Run a single upload pass and exit",
		Args:  cobra.NoArgs,
		RunE:  opts.run,
	}
	cmd.Flags().BoolVar(&opts.force, "force", false, "upload even when upload.wifi_only is set and no wifi network is up")
	return cmd
}

func (o *uploadOptions) run(cmd *cobra.Command, _ []string) (err error) {
	cfg, logger, err := o.load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	svc, err := newService(ctx, cfg, logger, serviceOptions{uploader: true})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	params := uploader.Params{WifiOnly: cfg.Upload.WifiOnly && !o.force}
	result := svc.uploader.Upload(ctx, params)

	out := cmd.OutOrStdout()
	if result.Skipped != uploader.NotSkipped {
		fmt.Fprintf(out, "upload %s\n", result.Skipped)
		return nil
	}
	fmt.Fprintf(out, "batches:      %d (succeeded %d, rejected %d, retried %d, dropped %d)\n",
		result.Batches(), result.Succeeded, result.Rejected, result.Retried, result.Dropped)
	fmt.Fprintf(out, "observations: %s\n", humanize.Comma(result.Tally.Observations))
	fmt.Fprintf(out, "sent:         %s\n", humanize.Bytes(uint64(result.Tally.Bytes)))
	if result.Purged {
		fmt.Fprintln(out, "storage over limits: all stored batches purged")
	}
	return nil
}
