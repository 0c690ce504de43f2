// Package protocol composes the phase sequencer into the six cell test
// protocols and runs them as cancellable test runs.
package protocol

import (
	"context"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/cellctl/internal/errors"
	"codeberg.org/mutker/cellctl/internal/instrument"
	"codeberg.org/mutker/cellctl/internal/logger"
	"codeberg.org/mutker/cellctl/internal/recorder"
	"codeberg.org/mutker/cellctl/internal/safety"
	"codeberg.org/mutker/cellctl/internal/sample"
	"codeberg.org/mutker/cellctl/internal/sequencer"
	"github.com/google/uuid"
)

// Protocol is one test procedure.
type Protocol interface {
	// Name identifies the protocol, e.g. "efficiency".
	Name() string
	Execute(ctx context.Context, s *Session) (Result, error)
}

// Result is the scalar outcome of a protocol.
type Result interface {
	// Fields returns the named scalar values for reporting.
	Fields() map[string]float64
}

// Journal receives every sample of a run as it is taken.
type Journal interface {
	sequencer.Observer
	BeginDataset(index int)
	Close() error
}

// JournalFactory opens the journal of a run.
type JournalFactory func(runID string) (Journal, error)

// Report is what a finished run produced. It is returned for failed and
// cancelled runs too, holding the datasets collected until then.
type Report struct {
	RunID      string
	Name       string
	Protocol   string
	StartedAt  time.Time
	FinishedAt time.Time
	Datasets   []*sample.CycleDataset
	// Result is nil unless the protocol completed.
	Result Result
}

// Runner executes protocols against one bench, one run at a time.
type Runner struct {
	devices  instrument.Devices
	cfg      RunConfiguration
	recorder recorder.Recorder
	journals JournalFactory
	clock    sequencer.Clock
	log      logger.Logger

	mu     sync.Mutex
	active *TestRun
}

// Option configures a Runner.
type Option func(*Runner)

// WithRecorder sets where finalized datasets go.
func WithRecorder(rec recorder.Recorder) Option {
	return func(r *Runner) {
		r.recorder = rec
	}
}

// WithJournal journals every sample of each run.
func WithJournal(open JournalFactory) Option {
	return func(r *Runner) {
		r.journals = open
	}
}

// WithClock replaces the wall clock.
func WithClock(clock sequencer.Clock) Option {
	return func(r *Runner) {
		r.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(r *Runner) {
		r.log = log
	}
}

// NewRunner returns a Runner for devices.
func NewRunner(devices instrument.Devices, cfg RunConfiguration, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runner{
		devices:  devices,
		cfg:      cfg,
		recorder: recorder.Nop(),
		clock:    sequencer.RealClock(),
		log:      logger.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Run executes p and waits for it to finish.
func (r *Runner) Run(ctx context.Context, name string, p Protocol) (*Report, error) {
	run, err := r.Start(ctx, name, p)
	if err != nil {
		return nil, err
	}
	return run.Wait()
}

// Start executes p on a new goroutine. Only one run may be active at a
// time.
func (r *Runner) Start(ctx context.Context, name string, p Protocol) (*TestRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return nil, errors.New().WithData(errors.ErrAlreadyRunning, r.active.ID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &TestRun{
		ID:        uuid.NewString(),
		Name:      name,
		Protocol:  p.Name(),
		StartedAt: r.clock.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	var journal Journal
	if r.journals != nil {
		j, err := r.journals(run.ID)
		if err != nil {
			cancel()
			return nil, errors.New().Wrap(errors.ErrOpenJournal, err)
		}
		journal = j
	}

	seqOpts := []sequencer.Option{
		sequencer.WithClock(r.clock),
		sequencer.WithLogger(r.log),
		sequencer.WithMeterMode(r.cfg.MeterMode),
	}
	if journal != nil {
		seqOpts = append(seqOpts, sequencer.WithObserver(journal))
	}

	session := &Session{
		info: recorder.RunInfo{
			ID:        run.ID,
			Name:      name,
			Protocol:  p.Name(),
			StartedAt: run.StartedAt,
		},
		cfg:      r.cfg,
		devices:  r.devices,
		seq:      sequencer.New(seqOpts...),
		limits:   safety.NewConfigurator(r.devices, r.log),
		recorder: r.recorder,
		journal:  journal,
		log:      r.log,
	}

	r.active = run

	r.log.Info().
		Str("run_id", run.ID).
		Str("name", name).
		Str("protocol", run.Protocol).
		Msg("Test run started")

	go func() {
		defer close(run.done)
		defer cancel()

		report, err := r.execute(runCtx, session, p)
		if journal != nil {
			if cerr := journal.Close(); cerr != nil {
				r.log.Error().Err(cerr).Str("run_id", run.ID).Msg("Failed to close sample journal")
			}
		}

		run.mu.Lock()
		run.report = report
		run.err = err
		run.mu.Unlock()

		r.mu.Lock()
		r.active = nil
		r.mu.Unlock()
	}()

	return run, nil
}

func (r *Runner) execute(ctx context.Context, s *Session, p Protocol) (*Report, error) {
	result, err := p.Execute(ctx, s)

	if err != nil {
		s.abandon(ctx)
		if stopErr := safety.StopAll(r.devices); stopErr != nil {
			r.log.Error().Err(stopErr).Str("run_id", s.info.ID).Msg("Failed to switch outputs off")
		}
	}

	report := &Report{
		RunID:      s.info.ID,
		Name:       s.info.Name,
		Protocol:   s.info.Protocol,
		StartedAt:  s.info.StartedAt,
		FinishedAt: r.clock.Now(),
		Datasets:   s.datasets,
	}

	switch {
	case err == nil:
		report.Result = result
		event := r.log.Info().
			Str("run_id", s.info.ID).
			Int("datasets", len(s.datasets))
		if result != nil {
			fields := result.Fields()
			keys := make([]string, 0, len(fields))
			for k := range fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				event.Float64(k, fields[k])
			}
		}
		event.Msg("Test run completed")
		return report, nil

	case IsCancelled(err):
		r.log.Warn().
			Str("run_id", s.info.ID).
			Int("datasets", len(s.datasets)).
			Msg("Test run cancelled")
		return report, err
	}

	runErr := errors.New().Wrap(errors.ErrRunFailed, err).WithData(s.info.Protocol)
	r.log.ErrorWithCode(runErr).
		Str("run_id", s.info.ID).
		Int("datasets", len(s.datasets)).
		Msg("Test run failed")

	return report, runErr
}

// TestRun is a protocol executing on its own goroutine.
type TestRun struct {
	ID        string
	Name      string
	Protocol  string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	report *Report
	err    error
}

// Cancel asks the run to stop. It returns immediately; the run ends within
// one sampling interval plus device I/O.
func (t *TestRun) Cancel() {
	t.cancel()
}

// Done is closed when the run has finished and its outputs are off.
func (t *TestRun) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the run finishes.
func (t *TestRun) Wait() (*Report, error) {
	<-t.done
	return t.Report(), t.Err()
}

// Report returns the run report, or nil while the run is active.
func (t *TestRun) Report() *Report {
	select {
	case <-t.done:
	default:
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.report
}

// Err returns the error the run ended with.
func (t *TestRun) Err() error {
	select {
	case <-t.done:
	default:
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
