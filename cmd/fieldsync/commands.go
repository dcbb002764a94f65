package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/luminarias/fieldsync/internal/codec"
	"github.com/luminarias/fieldsync/internal/connectivity"
	"github.com/luminarias/fieldsync/internal/export"
	"github.com/luminarias/fieldsync/internal/model"
	"github.com/luminarias/fieldsync/internal/queue"
	"github.com/luminarias/fieldsync/internal/signing"
	"github.com/luminarias/fieldsync/internal/trigger"
)

func (c *cli) newCaptureCmd() *cobra.Command {
	var (
		pole, fullPath, wattsPath, cellPath string
		colonia                             int64
		watts                               int
		lat, lng                            float64
		cellIsNew                           bool
	)
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Enqueue a capture from three image files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !model.IsValidWatts(watts) {
				return fmt.Errorf("watts must be one of %v", model.ValidWatts)
			}
			fields := codec.Fields{
				PoleNumber:     pole,
				Watts:          watts,
				Latitude:       lat,
				Longitude:      lng,
				PhotocellIsNew: cellIsNew,
			}
			if cmd.Flags().Changed("colonia") {
				fields.ColoniaID = &colonia
			}
			var images [3]codec.Image
			for i, path := range []string{fullPath, wattsPath, cellPath} {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("open %s photo: %w", model.Roles[i], err)
				}
				defer f.Close()
				images[i] = codec.Image{Reader: f}
			}
			capture, err := codec.FromReaders(fields, images[0], images[1], images[2])
			if err != nil {
				return err
			}
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			id, err := a.Queue.Enqueue(cmd.Context(), capture)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued submission %d\n", id)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&pole, "pole", "", "Pole number")
	f.Int64Var(&colonia, "colonia", 0, "Colonia id (omit for none)")
	f.IntVar(&watts, "watts", 0, "Lamp wattage: 25, 40 or 80")
	f.Float64Var(&lat, "lat", 0, "Latitude")
	f.Float64Var(&lng, "lng", 0, "Longitude")
	f.BoolVar(&cellIsNew, "photocell-new", false, "The photocell was replaced")
	f.StringVar(&fullPath, "photo-full", "", "Path to the full fixture photo")
	f.StringVar(&wattsPath, "photo-watts", "", "Path to the wattage label photo")
	f.StringVar(&cellPath, "photo-photocell", "", "Path to the photocell photo")
	for _, name := range []string{"pole", "watts", "lat", "lng", "photo-full", "photo-watts", "photo-photocell"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (c *cli) newListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			list := a.Queue.ListPending
			if all {
				list = a.Queue.ListAll
			}
			subs, err := list(cmd.Context())
			if err != nil {
				return err
			}
			printSubmissions(cmd.OutOrStdout(), subs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include synced submissions")
	return cmd
}

func (c *cli) newCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of unsynced submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.Queue.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func (c *cli) newRetryInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-info",
		Short: "Show the last error of every pending submission",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			subs, err := a.Queue.ListPending(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPOLE\tCAPTURED\tLAST ERROR")
			for _, s := range subs {
				reason := s.LastError
				if reason == "" {
					reason = "-"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.ID, s.PoleNumber, s.CapturedTime().Format(time.RFC3339), reason)
			}
			return w.Flush()
		},
	}
}

func (c *cli) newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Force a sync of every pending submission",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.Config
			monitor := connectivity.NewMonitor(false)
			connectivity.NewProber(monitor, cfg.HealthURL, cfg.ProbeInterval, cfg.HTTPTimeout, a.Log).ProbeOnce(cmd.Context())

			out := cmd.OutOrStdout()
			res, err := trigger.Forced(cmd.Context(), a.Engine, monitor, func(current, total int) {
				if current < total {
					fmt.Fprintf(out, "syncing %d/%d\n", current+1, total)
				}
			})
			if err != nil {
				return err
			}
			for _, f := range res.Failures {
				fmt.Fprintf(out, "  submission %d: %v\n", f.ID, f.Err)
			}
			fmt.Fprintln(out, trigger.Summary(res))
			if res.Failed > 0 {
				return fmt.Errorf("%d submissions failed", res.Failed)
			}
			return nil
		},
	}
}

func (c *cli) newDispatchCmd() *cobra.Command {
	var requestedBy string
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Ask a fieldsync worker to run a sync through Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			client := asynq.NewClient(asynq.RedisClientOpt{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			defer client.Close()
			if requestedBy == "" {
				requestedBy, _ = os.Hostname()
			}
			coalesced, err := queue.EnqueueSync(cmd.Context(), client, queue.SyncPayload{
				RequestedBy: requestedBy,
				RequestedAt: time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			if coalesced {
				fmt.Fprintln(cmd.OutOrStdout(), "a sync is already queued")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sync dispatched")
			return nil
		},
	}
	cmd.Flags().StringVar(&requestedBy, "requested-by", "", "Name recorded with the task (defaults to the hostname)")
	return cmd
}

func (c *cli) newExportCmd() *cobra.Command {
	var (
		payloads bool
		output   string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a signed JSON snapshot of the whole queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				if err := os.MkdirAll(filepath.Dir(output), 0o750); err != nil {
					return err
				}
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return export.Export(cmd.Context(), a.Queue, w, a.Signer, export.Options{IncludePayloads: payloads})
		},
	}
	cmd.Flags().BoolVar(&payloads, "payloads", false, "Embed photos as base64")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "Destination file, - for stdout")
	return cmd
}

func (c *cli) newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify FILE",
		Short: "Check the signature of an export snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			snap, records, err := export.Verify(f, signing.NewSigner(cfg.SigningSecret))
			if errors.Is(err, export.ErrBadSignature) {
				return fmt.Errorf("%s: %w (was it exported with the same signing secret?)", args[0], err)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d records (%d pending), exported %s\n",
				len(records), snap.Pending, snap.ExportedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func (c *cli) newPurgeCmd() *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete synced submissions older than the retention age",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if maxAge <= 0 {
				maxAge = a.Config.RetentionMaxAge
			}
			n, err := a.Queue.PurgeOldSynced(cmd.Context(), maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d synced submissions\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Override the configured retention age")
	return cmd
}

func (c *cli) newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID...",
		Short: "Delete submissions regardless of sync state",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid id %q", arg)
				}
				ids = append(ids, id)
			}
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			for _, id := range ids {
				if err := a.Queue.Delete(cmd.Context(), id); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d submissions\n", len(ids))
			return nil
		},
	}
}

func printSubmissions(out io.Writer, subs []*model.PendingSubmission) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPOLE\tWATTS\tCOLONIA\tCAPTURED\tSYNCED\tPHOTOS")
	for _, s := range subs {
		colonia := "-"
		if s.ColoniaID != nil {
			colonia = strconv.FormatInt(*s.ColoniaID, 10)
		}
		size := s.PhotoFull.Size() + s.PhotoWatts.Size() + s.PhotoPhotocell.Size()
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%t\t%d B\n",
			s.ID, s.PoleNumber, s.Watts, colonia, s.CapturedTime().Format(time.RFC3339), s.Synced, size)
	}
	_ = w.Flush()
}
