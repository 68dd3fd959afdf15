// ============================================================================
// drt-dist CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running a node and talking to one
//
// Command Structure:
//   drtnode                          # Root command
//   ├── run                          # Start a node
//   ├── send                         # Send a job file (YAML or JSON) to a node
//   │   ├── --file, -f
//   │   └── --addr
//   ├── policy                       # Send a TimeoutPolicy
//   │   ├── --max-ops
//   │   └── --ban
//   ├── status                       # Show config and whether the node answers
//   ├── journal verify <path>        # Check a metrics journal
//   ├── journal dump <path>          # Print decoded journal records
//   └── --config, -c                 # Config file (persistent)
//
// Job file format (kind names as in pkg/types):
//   kind: initial_batch
//   id: batch-1            # optional, a uuid is assigned otherwise
//   desc:
//     iteration: 1
//     send_every: 10
//     units:
//       - worker_id: 0
//         blob: AQID       # base64
//
// Signal Handling:
//   run cancels the node context on SIGINT / SIGTERM; the controller then
//   shuts down in order (server, background jobs, pools, sender, sink)
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/drt-dist/internal/controller"
	"github.com/ChuLiYu/drt-dist/internal/storage/journal"
	"github.com/ChuLiYu/drt-dist/internal/transport"
	"github.com/ChuLiYu/drt-dist/pkg/types"
)

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "drtnode",
		Short: "drtnode: a distributed detailed-routing worker node",
		Long: `drtnode runs routing work for a remote requester:
- initial batches with streamed progress replies
- stubborn-tile exploration with per-strategy results
- design sync, operation caps and result caching`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSendCommand())
	rootCmd.AddCommand(buildPolicyCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var listen string
	var threads int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a worker node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Node.Listen = listen
			}
			if threads > 0 {
				cfg.Node.Threads = threads
			}
			setupLogger(cfg.Log, os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override node.listen")
	cmd.Flags().IntVar(&threads, "threads", 0, "override node.threads")
	return cmd
}

func runNode(ctx context.Context, cfg *Config) error {
	ctrlConfig, err := cfg.ControllerConfig()
	if err != nil {
		return err
	}
	ctrl, err := controller.NewController(ctrlConfig)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	return ctrl.Run(ctx)
}

// ============================================================================
// send / policy
// ============================================================================

// JobFile is the on-disk form of one request.
type JobFile struct {
	Kind string         `yaml:"kind"`
	ID   string         `yaml:"id"`
	Desc map[string]any `yaml:"desc"`
}

func buildSendCommand() *cobra.Command {
	var jobFile, addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a job file to a node and print every reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := loadJobFile(jobFile)
			if err != nil {
				return err
			}
			return sendAndPrint(cmd.Context(), cmd.OutOrStdout(), msg, addr, timeout)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "YAML or JSON job file")
	cmd.Flags().StringVar(&addr, "addr", "localhost:50051", "node address")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 = wait)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func buildPolicyCommand() *cobra.Command {
	var addr string
	var maxOps int64
	var ban int

	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Send a TimeoutPolicy to a node",
		Long: `Set the heap-operation cap and optionally ban a worker id.
--max-ops -1 lifts the cap and clears every ban; -2 keeps the current cap.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := types.NewMessage(types.KindTimeoutPolicy, &types.PolicyDescription{
				MaxOps:   maxOps,
				BannedID: ban,
			})
			if err != nil {
				return err
			}
			return sendAndPrint(cmd.Context(), cmd.OutOrStdout(), msg, addr, 10*time.Second)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:50051", "node address")
	cmd.Flags().Int64Var(&maxOps, "max-ops", types.MaxOpsUnchanged, "heap operation cap")
	cmd.Flags().IntVar(&ban, "ban", types.NoBan, "worker id to ban")
	return cmd
}

// loadJobFile 讀取 YAML 或 JSON 工作檔；desc 經 JSON 轉成對應的描述型別
func loadJobFile(path string) (*types.JobMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var f JobFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}

	kind, ok := types.ParseKind(f.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownKind, f.Kind)
	}
	desc := newDescription(kind)
	if desc == nil {
		return nil, fmt.Errorf("%w: %s is not a request", types.ErrUnknownKind, kind)
	}
	raw, err := json.Marshal(f.Desc)
	if err != nil {
		return nil, fmt.Errorf("job file desc: %w", err)
	}
	if err := json.Unmarshal(raw, desc); err != nil {
		return nil, fmt.Errorf("job file desc: %w", err)
	}

	msg, err := types.NewMessage(kind, desc)
	if err != nil {
		return nil, err
	}
	if f.ID != "" {
		msg.ID = f.ID
	}
	return msg, nil
}

func newDescription(kind types.JobKind) types.Description {
	switch kind {
	case types.KindInitialBatch:
		return &types.BatchDescription{}
	case types.KindStubbornBatch:
		return &types.StubbornDescription{}
	case types.KindStubbornResult:
		return &types.ResultDescription{}
	case types.KindResultRequest:
		return &types.ResultRequestDescription{}
	case types.KindDesignUpdate:
		return &types.DesignUpdateDescription{}
	case types.KindTimeoutPolicy:
		return &types.PolicyDescription{}
	}
	return nil
}

func sendAndPrint(ctx context.Context, w io.Writer, msg *types.JobMessage, addr string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	sender := transport.NewGrpcSender(transport.SenderConfig{})
	defer sender.Close()

	replies := 0
	var remote error
	err := sender.Call(ctx, msg, addr, func(reply *types.JobMessage) error {
		replies++
		switch reply.Kind {
		case types.KindError:
			remote = reply.AckError()
			fmt.Fprintf(w, "%s: %v\n", reply.Kind, remote)
		case types.KindAck, types.KindSuccess:
			if d, err := reply.Reply(); err == nil {
				fmt.Fprintf(w, "%s: %d results (%d completed)\n", reply.Kind, len(d.Results), d.Completed)
			} else {
				fmt.Fprintf(w, "%s\n", reply.Kind)
			}
		default:
			fmt.Fprintf(w, "%s\n", reply.Kind)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if replies == 0 {
		return fmt.Errorf("%w: %s", transport.ErrNoReply, addr)
	}
	if remote != nil {
		return fmt.Errorf("%w: %v", transport.ErrRemote, remote)
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show node configuration and reachability status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			showStatus(cmd.OutOrStdout(), cfg, 2*time.Second)
			return nil
		},
	}
}

func showStatus(w io.Writer, cfg *Config, dialTimeout time.Duration) {
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  config file:    %s\n", configFile)
	fmt.Fprintf(w, "  listen:         %s\n", cfg.Node.Listen)
	fmt.Fprintf(w, "  threads:        %d\n", cfg.Node.Threads)
	fmt.Fprintf(w, "  reply workers:  %d\n", cfg.Node.ReplyWorkers)
	fmt.Fprintf(w, "  send timeout:   %s\n", cfg.Node.SendTimeout)
	fmt.Fprintf(w, "  shared dir:     %s\n", orNone(cfg.Design.SharedDir))
	fmt.Fprintf(w, "  snapshot:       %s\n", orNone(cfg.Snapshot.Path))
	fmt.Fprintf(w, "  journal:        %s\n", orNone(cfg.Sink.Journal))
	fmt.Fprintf(w, "  sql sink:       %s\n", orNone(cfg.Sink.SQL.Dialect))
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  metrics:        http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  metrics:        disabled")
	}

	addr := cfg.Node.Listen
	if host, port, err := net.SplitHostPort(addr); err == nil && host == "" {
		addr = net.JoinHostPort("localhost", port)
	}
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		fmt.Fprintf(w, "Node %s: not reachable (%v)\n", addr, err)
		return
	}
	conn.Close()
	fmt.Fprintf(w, "Node %s: reachable\n", addr)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect a metrics journal",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify <path>",
		Short: "Check checksums and sequence numbers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := journal.Validate(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s: %d records, last seq %d\n", args[0], s.Records, s.LastSeq)
			for _, t := range []journal.RecordType{journal.RecordIteration, journal.RecordWorker, journal.RecordDesign} {
				fmt.Fprintf(w, "  %-9s %d\n", t, s.ByType[t])
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "dump <path>",
		Short: "Print every record as one JSON line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			return journal.Replay(args[0], func(r journal.Record) error {
				v, err := journal.Decode(r)
				if err != nil {
					return err
				}
				return enc.Encode(map[string]any{
					"seq":    r.Seq,
					"type":   r.Type,
					"design": r.Design,
					"entry":  v,
				})
			})
		},
	})
	return cmd
}
