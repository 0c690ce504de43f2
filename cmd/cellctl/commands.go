package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"codeberg.org/mutker/cellctl/internal/errors"
	"codeberg.org/mutker/cellctl/internal/journal"
	"codeberg.org/mutker/cellctl/internal/profile"
	"codeberg.org/mutker/cellctl/internal/protocol"
	"codeberg.org/mutker/cellctl/internal/recorder"
)

// Flags left at zero fall back to the cell profile.

func floatOr(fs *pflag.FlagSet, name string, fallback float64) float64 {
	if v, err := fs.GetFloat64(name); err == nil && fs.Changed(name) {
		return v
	}
	return fallback
}

func durationOr(fs *pflag.FlagSet, name string, fallback time.Duration) time.Duration {
	if v, err := fs.GetDuration(name); err == nil && fs.Changed(name) {
		return v
	}
	return fallback
}

func intOr(fs *pflag.FlagSet, name string, fallback int) int {
	if v, err := fs.GetInt(name); err == nil && fs.Changed(name) {
		return v
	}
	return fallback
}

func newCycleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Repeat charge and discharge cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), cmd.OutOrStdout(), buildCycling(a, cmd.Flags()))
		},
	}

	fs := cmd.Flags()
	fs.Int("cycles", 0, "Number of cycles")
	fs.Float64("charge-current", 0, "Charge current in A")
	fs.Float64("discharge-current", 0, "Discharge current in A")
	fs.Duration("lead-in", 0, "Voltage ramp lead-in")
	fs.Duration("charge-duration", 0, "Charge phase duration")
	fs.Duration("discharge-duration", 0, "Discharge phase duration")

	return cmd
}

func buildCycling(a *app, fs *pflag.FlagSet) protocol.Cycling {
	p := a.profile
	return protocol.Cycling{
		Limits:            a.limits(),
		StartVoltage:      p.ChargeVoltageStart,
		EndVoltage:        p.ChargeVoltageEnd,
		ChargeCurrent:     floatOr(fs, "charge-current", p.ChargeCurrentMax),
		DischargeCurrent:  floatOr(fs, "discharge-current", p.DischargeCurrentMax),
		MinVoltage:        p.DischargeVoltageMin,
		LeadIn:            durationOr(fs, "lead-in", p.LeadIn),
		ChargeDuration:    durationOr(fs, "charge-duration", p.ChargeDuration),
		DischargeDuration: durationOr(fs, "discharge-duration", p.DischargeDuration),
		Cycles:            intOr(fs, "cycles", p.Cycles),
		Temperature:       p.Temperature,
	}
}

func newEfficiencyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "efficiency",
		Short: "Measure round-trip energy efficiency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fs := cmd.Flags()
			p := a.profile
			return a.run(cmd.Context(), cmd.OutOrStdout(), protocol.Efficiency{
				Limits:           a.limits(),
				ChargeCurrent:    floatOr(fs, "charge-current", p.ChargeCurrentMax),
				DischargeCurrent: floatOr(fs, "discharge-current", p.DischargeCurrentMax),
				ChargeVoltage:    p.ChargeVoltageEnd,
				DischargeVoltage: p.DischargeVoltageMin,
				Temperature:      p.Temperature,
			})
		},
	}

	cmd.Flags().Float64("charge-current", 0, "Charge current in A")
	cmd.Flags().Float64("discharge-current", 0, "Discharge current in A")

	return cmd
}

func newRateCmd(a *app) *cobra.Command {
	var currents []float64

	cmd := &cobra.Command{
		Use:   "rate",
		Short: "Measure discharge capacity at several rates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := a.profile
			return a.run(cmd.Context(), cmd.OutOrStdout(), protocol.RateSweep{
				Limits:            a.limits(),
				DischargeCurrents: currents,
				ChargeCurrent:     floatOr(cmd.Flags(), "charge-current", p.ChargeCurrentMax),
				ChargeVoltage:     p.ChargeVoltageEnd,
				DischargeVoltage:  p.DischargeVoltageMin,
				Temperature:       p.Temperature,
			})
		},
	}

	cmd.Flags().Float64SliceVar(&currents, "currents", nil, "Discharge currents in A, one step each")
	cmd.Flags().Float64("charge-current", 0, "Charge current in A")
	_ = cmd.MarkFlagRequired("currents")

	return cmd
}

func newOCVCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ocv",
		Short: "Record the open-circuit voltage curve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fs := cmd.Flags()
			steps, _ := fs.GetInt("steps")
			rest, _ := fs.GetDuration("rest")
			return a.run(cmd.Context(), cmd.OutOrStdout(), protocol.OCVCurve{
				Limits:      a.limits(),
				StepCurrent: floatOr(fs, "step-current", a.profile.ChargeCurrentMax),
				Steps:       steps,
				RestTime:    rest,
				Temperature: a.profile.Temperature,
			})
		},
	}

	cmd.Flags().Float64("step-current", 0, "Charge current of each step in A")
	cmd.Flags().Int("steps", 10, "Number of charge steps")
	cmd.Flags().Duration("rest", 30*time.Minute, "Rest before each OCV reading")

	return cmd
}

func newResistanceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resistance",
		Short: "Measure internal resistance with a load pulse",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pulse, _ := cmd.Flags().GetDuration("pulse-duration")
			return a.run(cmd.Context(), cmd.OutOrStdout(), protocol.InternalResistance{
				Limits:        a.limits(),
				PulseCurrent:  floatOr(cmd.Flags(), "pulse-current", a.profile.DischargeCurrentMax),
				PulseDuration: pulse,
				Temperature:   a.profile.Temperature,
			})
		},
	}

	cmd.Flags().Float64("pulse-current", 0, "Load pulse current in A")
	cmd.Flags().Duration("pulse-duration", 10*time.Second, "Load pulse duration")

	return cmd
}

func newCapacityCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capacity",
		Short: "Measure the actual capacity of the cell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fs := cmd.Flags()
			p := a.profile
			return a.run(cmd.Context(), cmd.OutOrStdout(), protocol.ActualCapacity{
				Limits:           a.limits(),
				ChargeCurrent:    floatOr(fs, "charge-current", p.ChargeCurrentMax),
				DischargeCurrent: floatOr(fs, "discharge-current", p.DischargeCurrentMax),
				ChargeVoltage:    p.ChargeVoltageEnd,
				RestTime:         durationOr(fs, "rest", a.cfg.RestDuration),
				CutoffVoltage:    floatOr(fs, "cutoff-voltage", p.DischargeVoltageMin),
				Temperature:      p.Temperature,
			})
		},
	}

	cmd.Flags().Float64("charge-current", 0, "Charge current in A")
	cmd.Flags().Float64("discharge-current", 0, "Discharge current in A")
	cmd.Flags().Float64("cutoff-voltage", 0, "Discharge cutoff voltage")
	cmd.Flags().Duration("rest", 0, "Rest between charge and discharge")

	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Export the datasets of a recorded run as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.DBPath == "" {
				return errors.New().WithData(errors.ErrMissingConfig, "db_path")
			}
			if dir == "" {
				dir = a.cfg.ExportDir
			}
			if dir == "" {
				return errors.New().WithData(errors.ErrMissingConfig, "export directory")
			}

			store, err := recorder.NewStore(recorder.Config{DBPath: a.cfg.DBPath}, a.log)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			run, err := store.Run(ctx, args[0])
			if err != nil {
				return err
			}
			datasets, err := store.Datasets(ctx, run.ID)
			if err != nil {
				return err
			}

			exporter, err := recorder.NewCSVExporter(dir, a.log)
			if err != nil {
				return err
			}
			for _, ds := range datasets {
				path, err := exporter.ExportAt(ds, run.StartedAt)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Output directory (defaults to export_dir)")

	return cmd
}

func newProfilesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List the available cell profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			profiles, err := profile.Load(a.cfg.Profiles)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), profile.DefaultName)
			for _, name := range profiles.Names() {
				if name != profile.DefaultName {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
			}
			return nil
		},
	}
}

func newJournalCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "journal <run-id>",
		Short: "Print the sample journal of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.JournalDir == "" {
				return errors.New().WithData(errors.ErrMissingConfig, "journal_dir")
			}

			path := journal.Path(a.cfg.JournalDir, args[0])
			if _, err := os.Stat(path); err != nil {
				return errors.New().Wrap(errors.ErrResourceNotFound, err).WithData(path)
			}

			j, err := journal.Open(path, a.log)
			if err != nil {
				return err
			}
			defer j.Close()

			out := cmd.OutOrStdout()
			return j.Replay(func(index uint64, e journal.Entry) error {
				_, err := fmt.Fprintf(out, "%d\t#%d\t%s\t%.4f\t%.4f\t%.4f\n",
					index, e.Dataset+1, e.Phase, e.Elapsed, e.Voltage, e.Current)
				return err
			})
		},
	}
}
