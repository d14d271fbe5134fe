package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Executor runs commands on remote hosts.
type Executor interface {
	// RunConcurrent runs command on every host in parallel and returns one
	// outcome per host, in no particular order.
	RunConcurrent(ctx context.Context, hosts []string, command string) []Outcome
	// RunOne runs command on a single host. An error means the attempt failed
	// before an outcome could be produced.
	RunOne(ctx context.Context, host, command string) (Outcome, error)
	// CopyFromRemote starts one transfer per host and returns immediately.
	CopyFromRemote(ctx context.Context, hosts []string, remotePath, localTemplate string) Waiter
}

// Waiter joins a set of background tasks.
type Waiter interface {
	Wait() error
}

// Journal persists finished dispatch runs.
type Journal interface {
	Record(ctx context.Context, run Run) error
}

// Run is one dispatch as written to the journal.
type Run struct {
	ID         string
	Operation  string
	Command    string
	Discipline Discipline
	Started    time.Time
	Finished   time.Time
	Outcomes   []Outcome
}

// Dispatcher fans commands out to the fleet.
type Dispatcher struct {
	inv      *Inventory
	exec     Executor
	cmds     Commands
	key      string
	journal  Journal
	metrics  *Metrics
	sleep    func(time.Duration)
	newRunID func() string
}

type DispatcherOption func(*Dispatcher)

// WithServerKey sets the secret injected into start and record commands.
func WithServerKey(key string) DispatcherOption {
	return func(d *Dispatcher) { d.key = key }
}

func WithJournal(j Journal) DispatcherOption {
	return func(d *Dispatcher) { d.journal = j }
}

func WithMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithSleep replaces time.Sleep for the inter-host pause.
func WithSleep(fn func(time.Duration)) DispatcherOption {
	return func(d *Dispatcher) { d.sleep = fn }
}

func NewDispatcher(inv *Inventory, exec Executor, cmds Commands, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		inv:      inv,
		exec:     exec,
		cmds:     cmds,
		sleep:    time.Sleep,
		newRunID: func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

type target struct {
	host    string
	command string
}

// Dispatch sends plan.Command to every fleet address. Host failures are
// reported in the outcomes; the returned error is only set when the fleet
// could not be listed.
func (d *Dispatcher) Dispatch(ctx context.Context, plan Plan) ([]Outcome, error) {
	return d.dispatch(ctx, "send", plan)
}

func (d *Dispatcher) dispatch(ctx context.Context, op string, plan Plan) ([]Outcome, error) {
	hosts, err := d.inv.ListAddresses(ctx)
	if err != nil {
		return nil, err
	}
	run := Run{
		ID:         d.newRunID(),
		Operation:  op,
		Command:    d.redact(plan.Command),
		Discipline: plan.Discipline(),
		Started:    time.Now(),
	}
	log.Debug().Str("run", run.ID).Str("op", op).Str("discipline", run.Discipline.String()).Int("hosts", len(hosts)).Msg("dispatching")

	switch run.Discipline {
	case Sequential:
		targets := make([]target, len(hosts))
		for i, h := range hosts {
			targets[i] = target{host: h, command: plan.Command}
		}
		run.Outcomes = d.runSequential(ctx, targets, plan.Delay)
	default:
		run.Outcomes = d.runConcurrent(ctx, hosts, plan.Command)
	}
	d.finish(ctx, run)
	return run.Outcomes, nil
}

func (d *Dispatcher) runConcurrent(ctx context.Context, hosts []string, command string) []Outcome {
	if len(hosts) == 0 {
		return nil
	}
	outcomes := d.exec.RunConcurrent(ctx, hosts, command)
	seen := make(map[string]bool, len(outcomes))
	for _, o := range outcomes {
		seen[o.Host] = true
	}
	for _, h := range hosts {
		if !seen[h] {
			outcomes = append(outcomes, Outcome{Host: h, Err: &Error{Kind: KindConnection, Target: h, Err: ErrNoOutcome}})
		}
	}
	return outcomes
}

// runSequential visits targets in order and pauses after every one of them,
// the last included.
func (d *Dispatcher) runSequential(ctx context.Context, targets []target, delay time.Duration) []Outcome {
	outcomes := make([]Outcome, 0, len(targets))
	for _, t := range targets {
		out, err := d.exec.RunOne(ctx, t.host, t.command)
		if err != nil {
			if !IsKind(err, KindConnection) && !IsKind(err, KindRemoteExecution) {
				err = &Error{Kind: KindConnection, Target: t.host, Err: err}
			}
			out = Outcome{Host: t.host, Err: err}
			log.Warn().Err(err).Str("host", t.host).Msg("host failed")
		}
		if out.Host == "" {
			out.Host = t.host
		}
		outcomes = append(outcomes, out)
		d.sleep(delay)
	}
	return outcomes
}

func (d *Dispatcher) finish(ctx context.Context, run Run) {
	run.Finished = time.Now()
	failed := 0
	for _, o := range run.Outcomes {
		if o.Failed() {
			failed++
		}
	}
	d.metrics.RecordRequest(run.Finished.Sub(run.Started))
	d.metrics.RecordErrors(failed)
	log.Info().Str("op", run.Operation).Int("hosts", len(run.Outcomes)).Int("failed", failed).Dur("took", run.Finished.Sub(run.Started)).Msg("dispatch complete")
	if d.journal == nil {
		return
	}
	if err := d.journal.Record(ctx, run); err != nil {
		log.Warn().Err(err).Str("run", run.ID).Msg("journal write failed")
	}
}

func (d *Dispatcher) redact(command string) string {
	if d.key == "" {
		return command
	}
	return strings.ReplaceAll(command, d.key, "***")
}

func (d *Dispatcher) named(ctx context.Context, op, text string, needsKey bool, pause time.Duration) ([]Outcome, error) {
	if needsKey && d.key == "" {
		return nil, ErrNoKey
	}
	cmd, err := d.cmds.render(op, text, d.key)
	if err != nil {
		return nil, err
	}
	return d.dispatch(ctx, op, Plan{Command: cmd, Delay: pause})
}

// Send dispatches an arbitrary command.
func (d *Dispatcher) Send(ctx context.Context, command string, pause time.Duration) ([]Outcome, error) {
	return d.dispatch(ctx, "send", Plan{Command: command, Delay: pause})
}

// Deploy pulls the latest bot code on every host.
func (d *Dispatcher) Deploy(ctx context.Context, pause time.Duration) ([]Outcome, error) {
	return d.named(ctx, "deploy", d.cmds.Deploy, false, pause)
}

// StartBots writes the server key and launches the bots.
func (d *Dispatcher) StartBots(ctx context.Context, pause time.Duration) ([]Outcome, error) {
	return d.named(ctx, "start", d.cmds.Start, true, pause)
}

func (d *Dispatcher) StopBots(ctx context.Context, pause time.Duration) ([]Outcome, error) {
	return d.named(ctx, "stop", d.cmds.Stop, false, pause)
}

// StartRecording launches the recording variant of the bot.
func (d *Dispatcher) StartRecording(ctx context.Context, pause time.Duration) ([]Outcome, error) {
	return d.named(ctx, "record", d.cmds.Record, true, pause)
}

func (d *Dispatcher) StopRecording(ctx context.Context, pause time.Duration) ([]Outcome, error) {
	return d.named(ctx, "stop_record", d.cmds.StopRecord, false, pause)
}

// CombineRecordings concatenates each host's captures into one file.
func (d *Dispatcher) CombineRecordings(ctx context.Context, pause time.Duration) ([]Outcome, error) {
	return d.named(ctx, "combine_record", d.cmds.Combine, false, pause)
}

// CountRecordings sums the per-host recording counts. Hosts whose output is
// not a number get a remote execution error in their outcome.
func (d *Dispatcher) CountRecordings(ctx context.Context) (int, []Outcome, error) {
	outcomes, err := d.named(ctx, "count_recordings", d.cmds.Count, false, 0)
	if err != nil {
		return 0, nil, err
	}
	total := 0
	for i, o := range outcomes {
		if o.Err != nil {
			continue
		}
		n, perr := parseCount(o.Stdout)
		if perr != nil {
			outcomes[i].Err = &Error{Kind: KindRemoteExecution, Target: o.Host, Err: perr}
			continue
		}
		total += n
	}
	return total, outcomes, nil
}

func parseCount(lines []string) (int, error) {
	if len(lines) == 0 {
		return 0, errors.New("empty count output")
	}
	last := strings.TrimSpace(lines[len(lines)-1])
	n, err := strconv.Atoi(last)
	if err != nil {
		return 0, fmt.Errorf("parse count %q: %w", last, err)
	}
	return n, nil
}

// DownloadRecordings copies every host's combined recording to
// localTemplate (default from the config). All transfers are attempted; the
// failures of every host are joined into the returned error.
func (d *Dispatcher) DownloadRecordings(ctx context.Context, localTemplate string) (int, error) {
	hosts, err := d.inv.ListAddresses(ctx)
	if err != nil {
		return 0, err
	}
	if localTemplate == "" {
		localTemplate = d.cmds.DownloadTarget
	}
	run := Run{
		ID:         d.newRunID(),
		Operation:  "download",
		Command:    d.cmds.CombinedPath() + " -> " + localTemplate,
		Discipline: Concurrent,
		Started:    time.Now(),
	}
	err = d.exec.CopyFromRemote(ctx, hosts, d.cmds.CombinedPath(), localTemplate).Wait()
	if err != nil && !IsKind(err, KindTransfer) {
		err = &Error{Kind: KindTransfer, Target: d.cmds.CombinedPath(), Err: err}
	}
	run.Outcomes = transferOutcomes(hosts, err)
	d.finish(ctx, run)
	return len(hosts), err
}

// transferOutcomes gives each host the transfer error that names it. Errors
// naming no fleet host are reported together under "-".
func transferOutcomes(hosts []string, err error) []Outcome {
	out := make([]Outcome, len(hosts))
	index := make(map[string]int, len(hosts))
	for i, h := range hosts {
		out[i] = Outcome{Host: h}
		index[h] = i
	}
	var stray []error
	for _, e := range splitErrors(err) {
		var ce *Error
		if errors.As(e, &ce) {
			if i, ok := index[ce.Target]; ok && out[i].Err == nil {
				out[i].Err = e
				continue
			}
		}
		stray = append(stray, e)
	}
	if len(stray) > 0 {
		out = append(out, Outcome{Host: "-", Err: errors.Join(stray...)})
	}
	return out
}

// splitErrors unpacks an errors.Join result.
func splitErrors(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

// FixHostnames renames every addressed member's host to its member name, one
// host at a time with pause between hosts.
func (d *Dispatcher) FixHostnames(ctx context.Context, pause time.Duration) ([]Outcome, error) {
	members, err := d.inv.ListMembers(ctx)
	if err != nil {
		return nil, err
	}
	var targets []target
	for _, m := range members {
		if m.Address == "" {
			continue
		}
		targets = append(targets, target{host: m.Address, command: "sudo hostnamectl set-hostname " + m.Name})
	}
	run := Run{
		ID:         d.newRunID(),
		Operation:  "fix_hostnames",
		Command:    "sudo hostnamectl set-hostname <member>",
		Discipline: Sequential,
		Started:    time.Now(),
	}
	run.Outcomes = d.runSequential(ctx, targets, pause)
	d.finish(ctx, run)
	return run.Outcomes, nil
}
