package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"codeberg.org/mutker/cellctl/internal/config"
	"codeberg.org/mutker/cellctl/internal/errors"
	"codeberg.org/mutker/cellctl/internal/instrument"
	"codeberg.org/mutker/cellctl/internal/instrument/scpi"
	"codeberg.org/mutker/cellctl/internal/instrument/sim"
	"codeberg.org/mutker/cellctl/internal/journal"
	"codeberg.org/mutker/cellctl/internal/logger"
	"codeberg.org/mutker/cellctl/internal/pid"
	"codeberg.org/mutker/cellctl/internal/profile"
	"codeberg.org/mutker/cellctl/internal/protocol"
	"codeberg.org/mutker/cellctl/internal/recorder"
	"codeberg.org/mutker/cellctl/internal/safety"
)

// app is the state shared by every subcommand once the configuration is
// loaded.
type app struct {
	cfg         *config.Config
	profile     profile.Profile
	profileName string
	runName     string
	log         logger.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return newRoot(&app{})
}

func newRoot(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "cellctl",
		Short: "Battery cell test sequencer",
		Long: `cellctl drives a programmable power source, an electronic load and an
optional multimeter through battery cell test protocols and records the
measured datasets.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	config.RegisterFlags(root.PersistentFlags())
	root.PersistentFlags().StringVar(&a.profileName, "profile", profile.DefaultName, "Cell profile name")
	root.PersistentFlags().StringVar(&a.runName, "name", "", "Run name, used as the dataset name of cycling runs")

	root.AddCommand(
		newCycleCmd(a),
		newEfficiencyCmd(a),
		newRateCmd(a),
		newOCVCmd(a),
		newResistanceCmd(a),
		newCapacityCmd(a),
		newExportCmd(a),
		newJournalCmd(a),
		newProfilesCmd(a),
	)

	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger.Init(cfg.LogLevel.String(), logger.IsService())
	a.log = logger.Default()
	a.log.Debug().Str("config", fmt.Sprintf("%+v", *cfg)).Msg("Config loaded")

	profiles, err := profile.Load(cfg.Profiles)
	if err != nil {
		return errors.New().Wrap(errors.ErrLoadProfile, err)
	}
	p, err := profiles.Get(a.profileName)
	if err != nil {
		return errors.New().Wrap(errors.ErrLoadProfile, err)
	}
	a.profile = p

	return nil
}

// limits returns the profile's protection envelope with configured
// overrides applied.
func (a *app) limits() safety.Limits {
	limits := a.profile.Limits()
	limits.Margin = a.cfg.VoltageMargin

	override := func(dst *float64, v float64) {
		if v > 0 {
			*dst = v
		}
	}
	override(&limits.VoltageProtection, a.cfg.VoltageProtection)
	override(&limits.CurrentProtection, a.cfg.CurrentProtection)
	override(&limits.PowerProtection, a.cfg.PowerProtection)
	override(&limits.VoltageSlew, a.cfg.VoltageSlew)
	override(&limits.CurrentSlew, a.cfg.CurrentSlew)

	return limits
}

// run executes p on the configured bench and prints its report.
func (a *app) run(ctx context.Context, out io.Writer, p protocol.Protocol) error {
	errFactory := errors.New()

	if err := a.cfg.ValidateBench(); err != nil {
		return err
	}

	if err := pid.Write(a.cfg.PIDDir); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(a.cfg.PIDDir); err != nil {
			a.log.Error().Err(err).Msg("Failed to remove PID file")
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	devices, closeDevices, err := a.openDevices(ctx)
	if err != nil {
		return errFactory.Wrap(errors.ErrConnectDevice, err)
	}
	defer closeDevices()

	rec, err := recorder.New(a.cfg.RecorderConfig(), a.log)
	if err != nil {
		return errFactory.Wrap(errors.ErrOpenRecorder, err)
	}
	defer func() {
		if err := rec.Close(); err != nil {
			a.log.Error().Err(err).Msg("Failed to close recorder")
		}
	}()

	opts := []protocol.Option{
		protocol.WithRecorder(rec),
		protocol.WithLogger(a.log),
	}
	if dir := a.cfg.JournalDir; dir != "" {
		opts = append(opts, protocol.WithJournal(func(runID string) (protocol.Journal, error) {
			j, err := journal.Open(journal.Path(dir, runID), a.log)
			if err != nil {
				return nil, err
			}
			return j, nil
		}))
	}

	runner, err := protocol.NewRunner(devices, a.cfg.RunConfiguration(), opts...)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	name := a.runName
	if name == "" {
		name = p.Name()
	}

	a.log.Info().
		Str("protocol", p.Name()).
		Str("profile", a.profileName).
		Bool("simulate", a.cfg.Simulate).
		Msg("Starting test run")

	report, err := runner.Run(ctx, name, p)
	if report != nil {
		printReport(out, report)
	}
	if protocol.IsCancelled(err) {
		a.log.Warn().Msg("Test run cancelled, outputs switched off")
	}

	return err
}

func (a *app) openDevices(ctx context.Context) (instrument.Devices, func(), error) {
	if a.cfg.Simulate {
		a.log.Info().Msg("Using simulated bench")
		return sim.New().Devices(), func() {}, nil
	}

	bench, err := scpi.Open(ctx, a.cfg.Addresses(), a.cfg.MeterMode,
		scpi.WithTimeout(a.cfg.Timeout),
		scpi.WithLogger(a.log),
	)
	if err != nil {
		return instrument.Devices{}, nil, err
	}

	return bench.Devices(), func() {
		if err := bench.Close(); err != nil {
			a.log.Error().Err(err).Msg("Failed to close instrument connections")
		}
	}, nil
}

func printReport(out io.Writer, report *protocol.Report) {
	fmt.Fprintf(out, "run:       %s\n", report.RunID)
	fmt.Fprintf(out, "protocol:  %s\n", report.Protocol)
	fmt.Fprintf(out, "duration:  %s\n", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(out, "datasets:  %d\n", len(report.Datasets))

	for _, ds := range report.Datasets {
		partial := ""
		if ds.Partial {
			partial = " (partial)"
		}
		fmt.Fprintf(out, "  #%d %s: %d samples, %.4f Ah, %.4f Wh%s\n",
			ds.Step+1, ds.Name, ds.Len(), ds.CapacityAh, ds.EnergyWh, partial)
	}

	if report.Result == nil {
		return
	}

	fields := report.Result.Fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%-10s %g\n", k+":", fields[k])
	}
}
