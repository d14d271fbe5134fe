package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	prov "github.com/synthmsg/botfleet/internal/providers"
)

// fakeProvider keeps instances in memory and fails on demand.
type fakeProvider struct {
	mu         sync.Mutex
	instances  []prov.Instance
	images     []prov.Image
	creds      []prov.Credential
	listErr    error
	credErr    error
	createFail map[string]error
	deleteFail map[string]error
	listCalls  int
	created    []prov.CreateRequest
	deleted    []string
	nextID     int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ListInstances(ctx context.Context, prefix string) ([]prov.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return prov.FilterByName(append([]prov.Instance(nil), f.instances...), prefix), nil
}

func (f *fakeProvider) CreateInstance(ctx context.Context, req prov.CreateRequest) (prov.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	if err := f.createFail[req.Name]; err != nil {
		return prov.Instance{}, err
	}
	f.nextID++
	inst := prov.Instance{ID: fmt.Sprintf("id-%d", f.nextID), Name: req.Name, Status: prov.StatusPending}
	f.instances = append(f.instances, inst)
	return inst, nil
}

func (f *fakeProvider) DeleteInstance(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteFail[id]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, id)
	kept := f.instances[:0]
	for _, inst := range f.instances {
		if inst.ID != id {
			kept = append(kept, inst)
		}
	}
	f.instances = kept
	return nil
}

func (f *fakeProvider) ListImages(ctx context.Context) ([]prov.Image, error) {
	return f.images, nil
}

func (f *fakeProvider) ResolveLatestImage(ctx context.Context, marker string) (prov.Image, error) {
	return prov.LatestImage(f.images, marker)
}

func (f *fakeProvider) ResolveCredential(ctx context.Context, id string) (prov.Credential, error) {
	if f.credErr != nil {
		return prov.Credential{}, f.credErr
	}
	return prov.PickCredential(f.creds, id)
}

func running(name, id, ip string) prov.Instance {
	return prov.Instance{ID: id, Name: name, Status: prov.StatusRunning, PublicIP: ip}
}

func syntheticImage() prov.Image {
	return prov.Image{ID: "img-1", Name: "synthetic-2024", Created: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
}

// fakeExecutor answers from canned per-host output.
type fakeExecutor struct {
	mu          sync.Mutex
	stdout      map[string]string
	exit        map[string]int
	unreachable map[string]bool
	// silent hosts get no outcome from RunConcurrent.
	silent    map[string]bool
	copyFail  map[string]error
	calls     []string
	commands  []string
	copied    []string
	remotes   []string
	templates []string
}

func (f *fakeExecutor) outcome(host string) Outcome {
	return Outcome{Host: host, ExitStatus: ExitCode(f.exit[host]), Stdout: SplitLines([]byte(f.stdout[host]))}
}

func (f *fakeExecutor) RunConcurrent(ctx context.Context, hosts []string, command string) []Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Outcome
	for _, h := range hosts {
		f.calls = append(f.calls, h)
		f.commands = append(f.commands, command)
		switch {
		case f.silent[h]:
		case f.unreachable[h]:
			out = append(out, Outcome{Host: h, Err: &Error{Kind: KindConnection, Target: h, Err: errors.New("connection refused")}})
		default:
			out = append(out, f.outcome(h))
		}
	}
	return out
}

func (f *fakeExecutor) RunOne(ctx context.Context, host, command string) (Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, host)
	f.commands = append(f.commands, command)
	if f.unreachable[host] {
		return Outcome{}, errors.New("connection refused")
	}
	return f.outcome(host), nil
}

type waitErr struct{ err error }

func (w waitErr) Wait() error { return w.err }

func (f *fakeExecutor) CopyFromRemote(ctx context.Context, hosts []string, remotePath, localTemplate string) Waiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for _, h := range hosts {
		f.copied = append(f.copied, h)
		f.remotes = append(f.remotes, remotePath)
		f.templates = append(f.templates, localTemplate)
		if err := f.copyFail[h]; err != nil {
			errs = append(errs, &Error{Kind: KindTransfer, Target: h, Err: err})
		}
	}
	return waitErr{errors.Join(errs...)}
}

// memJournal collects runs in memory.
type memJournal struct {
	mu   sync.Mutex
	runs []Run
}

func (j *memJournal) Record(ctx context.Context, run Run) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs = append(j.runs, run)
	return nil
}
