package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	prov "github.com/synthmsg/botfleet/internal/providers"
)

// Orchestrator is built once per invocation from the config and owns every
// fleet component. Nothing here is process-global.
type Orchestrator struct {
	Config    prov.Config
	Provider  prov.Provider
	Inventory *Inventory
	Lifecycle *Lifecycle
	Dispatch  *Dispatcher
	Metrics   *Metrics

	store *Store
}

// Options carries what the config file does not.
type Options struct {
	ServerKey string
	// AuthorizedKey is added for the login user through cloud-init when
	// hostnames are set at creation.
	AuthorizedKey string
	Matcher       Matcher
	Sleep         func(time.Duration)
	// Journal overrides the store opened from journal.path.
	Journal Journal
}

func NewOrchestrator(cfg prov.Config, p prov.Provider, exec Executor, opts Options) (*Orchestrator, error) {
	o := &Orchestrator{Config: cfg, Provider: p, Metrics: NewMetrics()}

	invOpts := []InventoryOption{WithCache(cfg.Defaults.CacheSize, cfg.CacheTTL())}
	if opts.Matcher != nil {
		invOpts = append(invOpts, WithMatcher(opts.Matcher))
	}
	o.Inventory = NewInventory(p, cfg.Fleet.Prefix, invOpts...)

	o.Lifecycle = NewLifecycle(o.Inventory, p, o.Metrics)
	if cfg.Defaults.HostnameOnCreation {
		user, key := cfg.SSH.User, opts.AuthorizedKey
		o.Lifecycle.UserData = func(name string) string {
			return prov.CloudInitUserData(name, user, key)
		}
	}

	journal := opts.Journal
	if journal == nil && cfg.Journal.Path != "" {
		st, err := NewStore(cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		o.store = st
		journal = st
	}
	dOpts := []DispatcherOption{WithServerKey(opts.ServerKey), WithMetrics(o.Metrics)}
	if journal != nil {
		dOpts = append(dOpts, WithJournal(journal))
	}
	if opts.Sleep != nil {
		dOpts = append(dOpts, WithSleep(opts.Sleep))
	}
	o.Dispatch = NewDispatcher(o.Inventory, exec, CommandsFromConfig(cfg), dOpts...)
	return o, nil
}

// ProvisionRequest builds a bootup request for count members from the fleet
// section of the config.
func (o *Orchestrator) ProvisionRequest(count int) ProvisionRequest {
	return ProvisionRequest{
		Count:       count,
		Plan:        o.Config.Fleet.Plan,
		Region:      o.Config.Fleet.Region,
		ImageMarker: o.Config.Fleet.ImageMarker,
		Credential:  o.Config.Fleet.Credential,
	}
}

// Store returns the journal opened from the config, or nil.
func (o *Orchestrator) Store() *Store { return o.store }

// Health checks that the journal, when configured, still answers.
func (o *Orchestrator) Health(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.store != nil {
		if err := o.store.Ping(ctx); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
	}
	return nil
}

// Close releases the journal and logs the invocation totals.
func (o *Orchestrator) Close() error {
	reqs, errs, took := o.Metrics.GetStats()
	log.Debug().Int64("operations", reqs).Int64("failures", errs).Dur("took", took).Msg("orchestrator closed")
	if o.store != nil {
		return o.store.Close()
	}
	return nil
}
