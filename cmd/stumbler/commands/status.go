package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/illmade-knight/go-stumbler/pkg/reportstore"
	"github.com/spf13/cobra"
)

func newStatusCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queued batches and delivery counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			svc, err := newService(cmd.Context(), cfg, logger, serviceOptions{})
			if err != nil {
				return err
			}
			defer func() {
				if cerr := svc.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			rec, err := svc.ledger.Read(cmd.Context())
			if err != nil {
				return err
			}
			index := svc.store.Index()
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "storage:           %s\n", cfg.Storage.Dir)
			fmt.Fprintf(out, "batches on disk:   %d (%s of %s)\n",
				len(index.Files), humanize.Bytes(uint64(index.Bytes)), humanize.Bytes(uint64(cfg.Storage.MaxBytes)))
			if age := svc.store.OldestBatchAge(); age > 0 {
				fmt.Fprintf(out, "oldest batch:      %s\n", humanize.Time(time.Now().Add(-age)))
			}
			fmt.Fprintf(out, "last upload:       %s\n", since(rec.LastUploadTime))
			fmt.Fprintf(out, "last attempt:      %s\n", since(rec.LastAttemptTime))
			fmt.Fprintf(out, "observations sent: %s\n", humanize.Comma(rec.ObservationsSent))
			fmt.Fprintf(out, "cells sent:        %s\n", humanize.Comma(rec.CellsSent))
			fmt.Fprintf(out, "wifis sent:        %s\n", humanize.Comma(rec.WifisSent))
			fmt.Fprintf(out, "bytes sent:        %s\n", humanize.Bytes(uint64(rec.BytesSent)))
			writeFiles(out, index.Files)
			return nil
		},
	}
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func writeFiles(out io.Writer, files []reportstore.BatchFile) {
	for _, f := range files {
		fmt.Fprintf(out, "  %s  %8s  %5d obs  %s\n",
			f.Name, humanize.Bytes(uint64(f.Size)), f.RecordCount, humanize.Time(f.CreatedAt))
	}
}
