package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/scrypster/spirit-memory/internal/engine"
	"github.com/scrypster/spirit-memory/internal/tools"
)

const rootLongDesc string = `Spirit Memory keeps one portable knowledge graph per agent.

Each agent's memories live in <data_dir>/<agent>.spirit. Memory operations:
  spirit-memory store "User prefers dark mode" --category preference
  spirit-memory recall "dark mode"
  spirit-memory extract --source-type document --source-ref notes:meetings:kickoff
  spirit-memory source <memory-id>

Large extractions are queued as jobs; run "spirit-memory worker" to process them.`

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "spirit-memory",
		Short:         "Per-agent portable memory packs",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if a.engine != nil {
				return nil
			}
			return a.setup()
		},
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("SPIRIT_CONFIG"), "Path to a YAML config file")
	cmd.PersistentFlags().StringVarP(&a.agentID, "agent", "a", defaultAgent(), "Agent whose pack to use (default $SPIRIT_AGENT, $SPIRIT_USER or git user.name)")

	cmd.AddCommand(
		newStoreCmd(a),
		newRecallCmd(a),
		newUpdateCmd(a),
		newForgetCmd(a),
		newExtractCmd(a),
		newSourceCmd(a),
		newCallCmd(a),
		newToolsCmd(),
		newJobCmd(a),
		newJobsCmd(a),
		newWorkerCmd(a),
		newLogCmd(a),
		newHistoryCmd(a),
		newMergeCmd(a),
		newPurgeCmd(a),
		newExportCmd(a),
		newImportCmd(a),
		newAgentsCmd(a),
	)
	return cmd
}

// toolFlag maps a command line flag onto a tool parameter.
type toolFlag struct {
	name    string
	param   string
	usage   string
	boolean bool
}

// toolCmd describes a command that forwards to one tool. Positional
// arguments fill args in order; the first minArgs are required.
type toolCmd struct {
	use     string
	short   string
	tool    string
	args    []string
	minArgs int
	flags   []toolFlag

	// after runs on a successful response before it is printed.
	after func(cmd *cobra.Command, resp *tools.Response) error
}

func newToolCommand(a *app, spec toolCmd) *cobra.Command {
	cmd := &cobra.Command{
		Use:   spec.use,
		Short: spec.short,
		Args:  cobra.RangeArgs(spec.minArgs, len(spec.args)),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := make(map[string]any, len(args)+len(spec.flags))
			for i, v := range args {
				params[spec.args[i]] = v
			}
			for _, f := range spec.flags {
				if fl := cmd.Flags().Lookup(f.name); fl != nil && fl.Changed {
					params[f.param] = fl.Value.String()
				}
			}

			resp := a.dispatcher.Call(cmd.Context(), a.agentID, spec.tool, params)
			if resp.OK && spec.after != nil {
				if err := spec.after(cmd, &resp); err != nil {
					return err
				}
			}
			return printResponse(cmd, resp)
		},
	}
	for _, f := range spec.flags {
		if f.boolean {
			cmd.Flags().Bool(f.name, false, f.usage)
		} else {
			cmd.Flags().String(f.name, "", f.usage)
		}
	}
	return cmd
}

// printResponse prints resp and turns a failed call into a command error.
func printResponse(cmd *cobra.Command, resp tools.Response) error {
	if err := printJSON(cmd, resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	return nil
}

var provenanceFlags = []toolFlag{
	{name: "source-type", param: "sourceType", usage: "Kind of source: document, spirit_conversation, url, legacy_memory, derived"},
	{name: "source-ref", param: "sourceRef", usage: "Reference to the original content"},
}

func newStoreCmd(a *app) *cobra.Command {
	return newToolCommand(a, toolCmd{
		use:     "store <content>",
		short:   "Store one memory",
		tool:    tools.ToolStore,
		args:    []string{"content"},
		minArgs: 1,
		flags: append([]toolFlag{
			{name: "summary", param: "summary", usage: "Short form of the memory"},
			{name: "category", param: "category", usage: "Memory category (default knowledge)"},
			{name: "importance", param: "importance", usage: "0.0-1.0 (default 0.5)"},
			{name: "confidence", param: "confidence", usage: "0.0-1.0 (default 1.0)"},
			{name: "tags", param: "tags", usage: "Comma separated tags"},
			{name: "relates-to", param: "relatesTo", usage: "Text identifying a memory to link to"},
			{name: "source-range", param: "sourceRange", usage: "Line span start:end"},
		}, provenanceFlags...),
	})
}

func newRecallCmd(a *app) *cobra.Command {
	return newToolCommand(a, toolCmd{
		use:   "recall [query]",
		short: "Recall memories; without a query, browse by importance",
		tool:  tools.ToolRecall,
		args:  []string{"query"},
		flags: []toolFlag{
			{name: "category", param: "category", usage: "Only this category"},
			{name: "tags", param: "tags", usage: "Only memories with any of these comma separated tags"},
			{name: "limit", param: "limit", usage: "Direct matches to return (default 10, max 100)"},
			{name: "related", param: "includeRelated", usage: "Append related memories (default true)", boolean: true},
		},
	})
}

func newUpdateCmd(a *app) *cobra.Command {
	return newToolCommand(a, toolCmd{
		use:     "update <id> <content>",
		short:   "Replace a memory with a new version",
		tool:    tools.ToolUpdate,
		args:    []string{"id", "content"},
		minArgs: 2,
		flags: []toolFlag{
			{name: "summary", param: "summary", usage: "New short form"},
			{name: "category", param: "category", usage: "New category"},
			{name: "importance", param: "importance", usage: "New importance"},
			{name: "confidence", param: "confidence", usage: "New confidence"},
			{name: "tags", param: "tags", usage: "Comma separated tags to add"},
			{name: "reason", param: "reason", usage: "Why the memory changed"},
		},
	})
}

func newForgetCmd(a *app) *cobra.Command {
	return newToolCommand(a, toolCmd{
		use:     "forget <id>",
		short:   "Forget a memory",
		tool:    tools.ToolForget,
		args:    []string{"id"},
		minArgs: 1,
		flags: []toolFlag{
			{name: "reason", param: "reason", usage: "Why it is forgotten"},
		},
	})
}

func newExtractCmd(a *app) *cobra.Command {
	var wait bool
	cmd := newToolCommand(a, toolCmd{
		use:   "extract [content]",
		short: "Extract memories from content or a loadable source",
		tool:  tools.ToolExtract,
		args:  []string{"content"},
		flags: append([]toolFlag{
			{name: "context", param: "context", usage: "Hint about what matters in the content"},
			{name: "max-depth", param: "maxDepth", usage: "Recursion depth for oversized sections"},
			{name: "force", param: "force", usage: "Extract again even if already processed", boolean: true},
			{name: "tags", param: "tags", usage: "Comma separated tags for every extracted memory"},
			{name: "job", param: "jobId", usage: "Report this job instead of extracting"},
		}, provenanceFlags...),
		after: func(cmd *cobra.Command, resp *tools.Response) error {
			res, ok := resp.Result.(*engine.ExtractResult)
			if !wait || !ok || res.Status != engine.StatusQueued {
				return nil
			}
			pack, err := a.pack(cmd.Context())
			if err != nil {
				return err
			}
			job, err := a.engine.RunJob(cmd.Context(), pack, res.JobID)
			if err != nil {
				return err
			}
			a.notifyJob(pack.AgentID, job)
			resp.Result = &tools.JobResult{Job: job}
			return nil
		},
	})
	cmd.Flags().BoolVar(&wait, "wait", false, "Run a queued job in this process instead of leaving it to a worker")
	return cmd
}

func newSourceCmd(a *app) *cobra.Command {
	return newToolCommand(a, toolCmd{
		use:     "source <id-or-ref>",
		short:   "Show the original content behind a memory or source reference",
		tool:    tools.ToolSource,
		args:    []string{"source"},
		minArgs: 1,
		flags: []toolFlag{
			{name: "source-type", param: "sourceType", usage: "Kind of source, for raw references"},
			{name: "range", param: "range", usage: "start:end or all"},
		},
	})
}

func newCallCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "call <tool> [params-json|-]",
		Short: "Invoke a tool with a JSON params object, as an agent runtime would",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params []byte
			if len(args) == 2 {
				params = []byte(args[1])
				if args[1] == "-" {
					data, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return fmt.Errorf("read params: %w", err)
					}
					params = data
				}
			}
			return printResponse(cmd, a.dispatcher.CallJSON(cmd.Context(), a.agentID, args[0], params))
		},
	}
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Print the tool definitions with their input schemas",
		Args:  cobra.NoArgs,
		// Listing definitions needs no config or pack.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			defs := tools.Definitions()
			out := make([]map[string]any, 0, len(defs))
			for _, d := range defs {
				out = append(out, map[string]any{
					"name":        d.Name,
					"description": d.Description,
					"inputSchema": d.InputSchema(),
				})
			}
			return printJSON(cmd, out)
		},
	}
}
