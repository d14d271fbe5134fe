package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	core "github.com/synthmsg/botfleet/internal/core"
	prov "github.com/synthmsg/botfleet/internal/providers"
	do "github.com/synthmsg/botfleet/internal/providers/digitalocean"
	hz "github.com/synthmsg/botfleet/internal/providers/hetzner"
	localssh "github.com/synthmsg/botfleet/internal/providers/localssh"
	vlt "github.com/synthmsg/botfleet/internal/providers/vultr"
	"github.com/synthmsg/botfleet/internal/remote"
	gssh "github.com/synthmsg/botfleet/internal/ssh"
)

// vncPort is where the bot images run their VNC server.
const vncPort = "5901"

type app struct {
	cfg  prov.Config
	orch *core.Orchestrator
	exec *remote.Executor
}

func newRegistry(cfg prov.Config) *prov.Registry {
	reg := prov.NewRegistry()
	reg.Register(hz.New(cfg))
	reg.Register(do.New(cfg))
	reg.Register(vlt.New(cfg))
	reg.Register(localssh.New(cfg))
	return reg
}

// Resolve config, provider and executor. SSH credentials are only loaded when
// the command talks to the hosts.
func setup(cmd *cobra.Command, needSSH bool) (*app, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	if provider, _ := cmd.Flags().GetString("provider"); provider != "" {
		cfg.Providers.Default = provider
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	p, err := newRegistry(cfg).Get(cfg.Providers.Default)
	if err != nil {
		return nil, err
	}
	serverKey, err := core.LoadServerKey(cfg.Fleet.KeyFile)
	if err != nil {
		return nil, err
	}

	opts := remote.Options{
		User:     cfg.SSH.User,
		Port:     cfg.SSH.Port,
		Timeout:  cfg.Timeout(),
		Retries:  cfg.Defaults.Retries,
		PoolSize: cfg.Defaults.PoolSize,
		Verify:   cfg.Defaults.VerifyDownloads,
	}
	if needSSH {
		if opts.Auth, err = gssh.AuthMethods(cfg.SSH.KeyPath); err != nil {
			return nil, err
		}
		if opts.KnownHosts, err = gssh.TrustOnFirstUse(cfg.SSH.KnownHosts); err != nil {
			return nil, err
		}
	}
	exec := remote.New(opts)

	var authorized string
	if cfg.Defaults.HostnameOnCreation && cfg.SSH.KeyPath != "" {
		if signer, err := gssh.LoadPrivateKeySigner(cfg.SSH.KeyPath); err == nil {
			authorized = string(gssh.MarshalAuthorized(signer))
		} else {
			log.Warn().Err(err).Msg("cannot read ssh key for cloud-init")
		}
	}
	orch, err := core.NewOrchestrator(cfg, p, exec, core.Options{ServerKey: serverKey, AuthorizedKey: authorized})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("provider", p.Name()).Str("prefix", cfg.Fleet.Prefix).Msg("orchestrator ready")
	return &app{cfg: cfg, orch: orch, exec: exec}, nil
}

// pause returns the --pause flag, or the configured default when unset.
func (a *app) pause(cmd *cobra.Command) time.Duration {
	secs, _ := cmd.Flags().GetFloat64("pause")
	if secs < 0 {
		return a.cfg.Pause()
	}
	return time.Duration(secs * float64(time.Second))
}

// strictErr turns partial failure into an error under --strict.
func strictErr(cmd *cobra.Command, failed, total int, what string) error {
	if strict, _ := cmd.Flags().GetBool("strict"); strict && failed > 0 {
		return fmt.Errorf("%d of %d %s failed", failed, total, what)
	}
	return nil
}

func printOutcomes(w io.Writer, outcomes []core.Outcome) int {
	failed := 0
	for _, o := range outcomes {
		for _, line := range o.Stdout {
			fmt.Fprintf(w, "[%s] %s\n", o.Host, line)
		}
		switch {
		case o.Err != nil:
			fmt.Fprintf(w, "[%s] error: %v\n", o.Host, o.Err)
		case o.ExitStatus != nil && *o.ExitStatus != 0:
			fmt.Fprintf(w, "[%s] exit status %d\n", o.Host, *o.ExitStatus)
		}
		if o.Failed() {
			failed++
		}
	}
	return failed
}

type dispatchFunc func(a *app, cmd *cobra.Command) ([]core.Outcome, error)

// newDispatchCmd builds a command that fans one operation out to the fleet.
func newDispatchCmd(use, short string, run dispatchFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, true)
			if err != nil {
				return err
			}
			defer a.orch.Close()
			outcomes, err := run(a, cmd)
			if err != nil {
				return err
			}
			failed := printOutcomes(cmd.OutOrStdout(), outcomes)
			return strictErr(cmd, failed, len(outcomes), "hosts")
		},
	}
}

// Boot new fleet members
func newBootupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootup <count>",
		Short: "Create count new bots numbered after the current highest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("count must be an integer: %w", err)
			}
			a, err := setup(cmd, false)
			if err != nil {
				return err
			}
			defer a.orch.Close()
			req := a.orch.ProvisionRequest(count)
			if plan, _ := cmd.Flags().GetString("plan"); plan != "" {
				req.Plan = plan
			}
			if region, _ := cmd.Flags().GetString("region"); region != "" {
				req.Region = region
			}
			results, err := a.orch.Lifecycle.Bootup(cmd.Context(), req)
			if err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tfailed: %v\n", r.Name, r.Err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.Name, r.Instance.ID)
			}
			return strictErr(cmd, failed, len(results), "creations")
		},
	}
	cmd.Flags().String("plan", "", "instance plan/size (overrides fleet.plan)")
	cmd.Flags().String("region", "", "region/location (overrides fleet.region)")
	return cmd
}

// Destroy the fleet
func newDestroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy",
		Short: "Delete every fleet member",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, false)
			if err != nil {
				return err
			}
			defer a.orch.Close()
			results, err := a.orch.Lifecycle.DestroyAll(cmd.Context())
			if err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tfailed: %v\n", r.Member.Name, r.Err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tdeleted\n", r.Member.Name)
			}
			return strictErr(cmd, failed, len(results), "deletions")
		},
	}
}

// List fleet addresses
func newIPsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ips",
		Short: "Print the public address of every fleet member",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, false)
			if err != nil {
				return err
			}
			defer a.orch.Close()
			addrs, err := a.orch.Inventory.ListAddresses(cmd.Context())
			if err != nil {
				return err
			}
			for _, addr := range addrs {
				fmt.Fprintln(cmd.OutOrStdout(), addr)
			}
			return nil
		},
	}
}

// Show fleet status
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print name, status and address of every fleet member",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, false)
			if err != nil {
				return err
			}
			defer a.orch.Close()
			statuses, err := a.orch.Lifecycle.Status(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTATUS\tADDRESS")
			for _, s := range statuses {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Member.Name, s.Status, s.Address)
			}
			return tw.Flush()
		},
	}
}

// List candidate images
func newImagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "List provider images matching the image marker, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, false)
			if err != nil {
				return err
			}
			defer a.orch.Close()
			images, err := a.orch.Lifecycle.Images(cmd.Context(), a.cfg.Fleet.ImageMarker)
			if err != nil {
				return err
			}
			for i, img := range images {
				mark := " "
				if i == 0 {
					mark = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\t%s\t%s\n", mark, img.ID, img.Name, img.Created.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newSendCmd() *cobra.Command {
	cmd := newDispatchCmd("send <command>", "Run a shell command on every fleet member", func(a *app, cmd *cobra.Command) ([]core.Outcome, error) {
		return a.orch.Dispatch.Send(cmd.Context(), strings.Join(cmd.Flags().Args(), " "), a.pause(cmd))
	})
	cmd.Args = cobra.MinimumNArgs(1)
	// Everything after the first word belongs to the remote command.
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func newDeployCmd() *cobra.Command {
	return newDispatchCmd("deploy", "Pull the latest bot code on every fleet member", func(a *app, cmd *cobra.Command) ([]core.Outcome, error) {
		return a.orch.Dispatch.Deploy(cmd.Context(), a.pause(cmd))
	})
}

func newStartCmd() *cobra.Command {
	cmd := newDispatchCmd("start", "Write the server key and start the bots", func(a *app, cmd *cobra.Command) ([]core.Outcome, error) {
		if fix, _ := cmd.Flags().GetBool("fix-hostnames"); fix {
			outcomes, err := a.orch.Dispatch.FixHostnames(cmd.Context(), a.pause(cmd))
			if err != nil {
				return nil, err
			}
			printOutcomes(cmd.ErrOrStderr(), outcomes)
		}
		return a.orch.Dispatch.StartBots(cmd.Context(), a.pause(cmd))
	})
	cmd.Flags().Bool("fix-hostnames", false, "rename every host to its member name first")
	return cmd
}

func newStopCmd() *cobra.Command {
	return newDispatchCmd("stop", "Stop the bots", func(a *app, cmd *cobra.Command) ([]core.Outcome, error) {
		return a.orch.Dispatch.StopBots(cmd.Context(), a.pause(cmd))
	})
}

func newRecordCmd() *cobra.Command {
	return newDispatchCmd("record", "Start the bots with screen recording", func(a *app, cmd *cobra.Command) ([]core.Outcome, error) {
		return a.orch.Dispatch.StartRecording(cmd.Context(), a.pause(cmd))
	})
}

func newStopRecordCmd() *cobra.Command {
	cmd := newDispatchCmd("stop_record", "Stop recording bots", func(a *app, cmd *cobra.Command) ([]core.Outcome, error) {
		return a.orch.Dispatch.StopRecording(cmd.Context(), a.pause(cmd))
	})
	cmd.Aliases = []string{"stop-record"}
	return cmd
}

func newCombineRecordCmd() *cobra.Command {
	cmd := newDispatchCmd("combine_record", "Concatenate each host's recordings into one file", func(a *app, cmd *cobra.Command) ([]core.Outcome, error) {
		return a.orch.Dispatch.CombineRecordings(cmd.Context(), a.pause(cmd))
	})
	cmd.Aliases = []string{"combine-record"}
	return cmd
}

func newFixHostnamesCmd() *cobra.Command {
	cmd := newDispatchCmd("fix_hostnames", "Set every host's hostname to its member name, one host at a time", func(a *app, cmd *cobra.Command) ([]core.Outcome, error) {
		return a.orch.Dispatch.FixHostnames(cmd.Context(), a.pause(cmd))
	})
	cmd.Aliases = []string{"fix-hostnames"}
	return cmd
}

func newCountRecordingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "count_recordings",
		Aliases: []string{"count-recordings"},
		Short:   "Sum the recordings present across the fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, true)
			if err != nil {
				return err
			}
			defer a.orch.Close()
			total, outcomes, err := a.orch.Dispatch.CountRecordings(cmd.Context())
			if err != nil {
				return err
			}
			failed := 0
			for _, o := range outcomes {
				if o.Failed() {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "[%s] not counted: %v\n", o.Host, o.Err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", total)
			return strictErr(cmd, failed, len(outcomes), "hosts")
		},
	}
}

func newDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Copy every host's combined recording to this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, true)
			if err != nil {
				return err
			}
			defer a.orch.Close()
			target, _ := cmd.Flags().GetString("target")
			n, err := a.orch.Dispatch.DownloadRecordings(cmd.Context(), target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "downloaded recordings from %d hosts\n", n)
			return nil
		},
	}
	cmd.Flags().String("target", "", "local path template; {host} is replaced by the host (default commands.download_target)")
	return cmd
}

// Tunnel VNC from one member
func newVNCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vnc",
		Short: "Forward the local VNC port to a fleet member until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, true)
			if err != nil {
				return err
			}
			defer a.orch.Close()
			name, _ := cmd.Flags().GetString("member")
			local, _ := cmd.Flags().GetString("local")
			members, err := a.orch.Inventory.ListMembers(cmd.Context())
			if err != nil {
				return err
			}
			var member core.Member
			for _, m := range members {
				if m.Address == "" {
					continue
				}
				if name == "" || m.Name == name {
					member = m
					break
				}
			}
			if member.Name == "" {
				return errors.New("no reachable fleet member found")
			}
			cli, err := a.exec.Dial(cmd.Context(), member.Address)
			if err != nil {
				return err
			}
			defer cli.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "forwarding %s to %s (%s) port %s; Ctrl-C to stop\n", local, member.Name, member.Address, vncPort)
			return gssh.Forward(cmd.Context(), cli, local, "localhost:"+vncPort)
		},
	}
	cmd.Flags().String("member", "", "member name (default: first member with an address)")
	cmd.Flags().String("local", "127.0.0.1:"+vncPort, "local listen address")
	return cmd
}

// Show the dispatch journal
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent dispatch runs from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, false)
			if err != nil {
				return err
			}
			defer a.orch.Close()
			st := a.orch.Store()
			if st == nil {
				return errors.New("no journal configured; set journal.path")
			}
			if err := a.orch.Health(cmd.Context()); err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := st.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tOPERATION\tDISCIPLINE\tHOSTS\tFAILED\tCOMMAND")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", r.Started.Local().Format(time.RFC3339), r.Operation, r.Discipline, r.Hosts, r.Failed, r.Command)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	return cmd
}

// Initialize config, key pair and known_hosts
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config, an SSH key pair and a known_hosts file if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = filepath.Join(core.ConfigDir(), "config.yaml")
			}
			dir := filepath.Dir(cfgPath)
			if err := os.MkdirAll(dir, 0700); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			out := cmd.OutOrStdout()

			keyPath := filepath.Join(dir, "id_ed25519")
			if _, err := os.Stat(keyPath); errors.Is(err, os.ErrNotExist) {
				pub, err := gssh.GenerateEd25519Keypair(keyPath)
				if err != nil {
					return err
				}
				if err := os.WriteFile(keyPath+".pub", []byte(pub), 0644); err != nil {
					return fmt.Errorf("write public key: %w", err)
				}
				fmt.Fprintf(out, "generated %s\n%s", keyPath, pub)
			}
			knownHosts := filepath.Join(dir, "known_hosts")
			if err := gssh.EnsureKnownHostsFile(knownHosts); err != nil {
				return err
			}

			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Fprintf(out, "config %s already exists\n", cfgPath)
				return nil
			}
			var cfg prov.Config
			cfg.ApplyDefaults()
			cfg.SSH.KeyPath = keyPath
			cfg.SSH.KnownHosts = knownHosts
			b, err := yaml.Marshal(&cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			if err := os.WriteFile(cfgPath, b, 0600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(out, "wrote %s; put provider tokens in %s\n", cfgPath, filepath.Join(dir, "secrets.env"))
			return nil
		},
	}
}
