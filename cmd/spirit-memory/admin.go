package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/spirit-memory/internal/backup"
	"github.com/scrypster/spirit-memory/internal/engine"
	"github.com/scrypster/spirit-memory/internal/notify"
	"github.com/scrypster/spirit-memory/internal/packs"
	"github.com/scrypster/spirit-memory/internal/storage"
	"github.com/scrypster/spirit-memory/pkg/types"
)

func newJobCmd(a *app) *cobra.Command {
	var run bool
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "job <id>",
		Short: "Show an extraction job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if run && wait > 0 {
				return fmt.Errorf("--run and --wait cannot be combined")
			}
			pack, err := a.pack(cmd.Context())
			if err != nil {
				return err
			}
			var job *types.ExtractionJob
			switch {
			case run:
				job, err = a.engine.RunJob(cmd.Context(), pack, args[0])
				if err == nil {
					a.notifyJob(pack.AgentID, job)
				}
			case wait > 0:
				ctx, cancel := context.WithTimeout(cmd.Context(), wait)
				defer cancel()
				job, err = a.waitForJob(ctx, pack, args[0])
			default:
				job, err = a.engine.Job(cmd.Context(), pack, args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, job)
		},
	}
	cmd.Flags().BoolVar(&run, "run", false, "Claim and run the job if it is pending")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for the job to finish")
	return cmd
}

// waitForJob returns the job once it is completed or failed. Workers in any
// process announce finished jobs through event files; the pack is also
// polled in case an event is missed.
func (a *app) waitForJob(ctx context.Context, pack *packs.Pack, jobID string) (*types.ExtractionJob, error) {
	wake := make(chan struct{}, 1)
	watcher := notify.NewEventWatcher(a.cfg.DataDir, func(e notify.Event) bool {
		if e.AgentID != pack.AgentID || e.JobID != jobID {
			return false
		}
		select {
		case wake <- struct{}{}:
		default:
		}
		return true
	}, notify.WithLogger(a.logger))
	if err := watcher.Start(); err != nil {
		return nil, fmt.Errorf("watch job events: %w", err)
	}
	defer watcher.Stop()

	ticker := time.NewTicker(a.cfg.Engine.PollInterval)
	defer ticker.Stop()
	for {
		job, err := a.engine.Job(ctx, pack, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("job %s still %s: %w", jobID, job.Status, ctx.Err())
		case <-wake:
		case <-ticker.C:
		}
	}
}

// notifyJob announces a finished job to waiting processes.
func (a *app) notifyJob(agentID string, job *types.ExtractionJob) {
	if !job.Status.IsTerminal() {
		return
	}
	if err := notify.NewEventWriter(a.cfg.DataDir).NotifyJob(agentID, job.ID, string(job.Status)); err != nil {
		a.logger.Warn("job event not written", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func newJobsCmd(a *app) *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List extraction jobs, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pack, err := a.pack(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := a.engine.Jobs(cmd.Context(), pack, storage.JobFilter{
				Status: types.JobStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, jobs)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only jobs in this status")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum jobs to list")
	return cmd
}

const workerLongDesc string = `Run the extraction worker pool.

Pending jobs in every pack under the data directory are collected on start
and every poll interval, then processed until interrupted. With --once, every
pending job is run in turn and the command exits.`

func newWorkerCmd(a *app) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued extraction jobs",
		Long:  workerLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if once {
				return a.drainPendingJobs(cmd)
			}
			return a.serveWorkers(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run pending jobs once and exit")
	return cmd
}

func (a *app) serveWorkers(ctx context.Context) error {
	events := notify.NewEventWriter(a.cfg.DataDir)
	a.engine.SetOnJobFinished(func(agentID, jobID string, status types.JobStatus) {
		a.logger.Info("job finished",
			zap.String("agent", agentID),
			zap.String("job_id", jobID),
			zap.String("status", string(status)))
		if err := events.NotifyJob(agentID, jobID, string(status)); err != nil {
			a.logger.Warn("job event not written", zap.String("job_id", jobID), zap.Error(err))
		}
	})
	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Engine.ShutdownTimeout)
	defer cancel()
	return a.engine.Shutdown(shutdownCtx)
}

// drainPendingJobs runs every pending job of every pack in this goroutine
// and prints the finished jobs.
func (a *app) drainPendingJobs(cmd *cobra.Command) error {
	ctx := cmd.Context()
	agents, err := a.registry.Agents()
	if err != nil {
		return err
	}

	finished := []*types.ExtractionJob{}
	for _, agent := range agents {
		pack, err := a.registry.OpenExisting(ctx, agent)
		if err != nil {
			return err
		}
		pending, err := a.engine.Jobs(ctx, pack, storage.JobFilter{Status: types.JobPending})
		if err != nil {
			return err
		}
		for _, job := range pending {
			done, err := a.engine.RunJob(ctx, pack, job.ID)
			if err != nil {
				a.logger.Warn("job not run",
					zap.String("agent", agent),
					zap.String("job_id", job.ID),
					zap.Error(err))
				continue
			}
			a.notifyJob(agent, done)
			finished = append(finished, done)
		}
	}
	return printJSON(cmd, finished)
}

func newLogCmd(a *app) *cobra.Command {
	var action, node string
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "List consolidation log entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pack, err := a.pack(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := a.engine.Log(cmd.Context(), pack, storage.LogFilter{
				Action: types.LogAction(strings.ToUpper(action)),
				NodeID: node,
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, entries)
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "Only STORE, UPDATE, FORGET, MERGE or EXTRACT entries")
	cmd.Flags().StringVar(&node, "node", "", "Only entries affecting this memory")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum entries (default 100)")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show every version of a memory, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pack, err := a.pack(cmd.Context())
			if err != nil {
				return err
			}
			chain, err := a.engine.History(cmd.Context(), pack, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, chain)
		},
	}
}

func newMergeCmd(a *app) *cobra.Command {
	var req engine.MergeRequest
	cmd := &cobra.Command{
		Use:   "merge <id> <id>...",
		Short: "Consolidate several memories into one new memory",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pack, err := a.pack(cmd.Context())
			if err != nil {
				return err
			}
			req.IDs = args
			node, err := a.engine.Merge(cmd.Context(), pack, req)
			if err != nil {
				return err
			}
			return printJSON(cmd, node)
		},
	}
	cmd.Flags().StringVar(&req.Content, "content", "", "Text of the merged memory (required)")
	cmd.Flags().StringVar(&req.Summary, "summary", "", "Short form of the merged memory")
	cmd.Flags().StringVar(&req.Category, "category", "", "Category of the merged memory")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "Why the memories were merged")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func newPurgeCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "purge <id>",
		Short: "Permanently remove a memory with its tags and edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pack, err := a.pack(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.engine.Purge(cmd.Context(), pack, args[0], reason); err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"id": args[0], "purged": true})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the memory is purged")
	return cmd
}

const exportLongDesc string = `Export the agent's pack to a single verified file.

With a destination path the pack is written there. With --snapshot-dir a
timestamped snapshot is written into that directory instead, and --prune
then applies the retention policy to the agent's older snapshots.`

func newExportCmd(a *app) *cobra.Command {
	var snapshotDir string
	var prune bool
	policy := backup.DefaultRetention()
	cmd := &cobra.Command{
		Use:   "export [dest]",
		Short: "Export a pack to a portable file",
		Long:  exportLongDesc,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (snapshotDir != "") {
				return fmt.Errorf("pass either a destination or --snapshot-dir")
			}
			pack, err := a.pack(cmd.Context())
			if err != nil {
				return err
			}

			if len(args) == 1 {
				res, err := backup.Export(cmd.Context(), pack, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			}

			now := time.Now().UTC()
			res, err := backup.ExportSnapshot(cmd.Context(), pack, snapshotDir, now)
			if err != nil {
				return err
			}
			out := map[string]any{"snapshot": res}
			if prune {
				deleted, err := backup.Prune(snapshotDir, pack.AgentID, policy, now)
				if err != nil {
					a.logger.Warn("snapshot pruning incomplete", zap.Error(err))
				}
				out["pruned"] = deleted
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&snapshotDir, "snapshot-dir", "", "Write a timestamped snapshot into this directory")
	cmd.Flags().BoolVar(&prune, "prune", false, "Apply the retention policy after a snapshot")
	cmd.Flags().IntVar(&policy.Hourly, "keep-hourly", policy.Hourly, "Snapshots kept from the last day")
	cmd.Flags().IntVar(&policy.Daily, "keep-daily", policy.Daily, "Snapshots kept from the last week")
	cmd.Flags().IntVar(&policy.Weekly, "keep-weekly", policy.Weekly, "Snapshots kept from the last month")
	cmd.Flags().IntVar(&policy.Monthly, "keep-monthly", policy.Monthly, "Snapshots kept from the last year")
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Install a copied pack file as the agent's pack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.agentID == "" {
				return fmt.Errorf("no agent: pass --agent or set SPIRIT_AGENT")
			}
			path, err := backup.Import(cmd.Context(), a.registry, args[0], a.agentID)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"agent": a.agentID, "path": path})
		},
	}
}

func newAgentsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents with a pack in the data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			agents, err := a.registry.Agents()
			if err != nil {
				return err
			}
			return printJSON(cmd, agents)
		},
	}
}
