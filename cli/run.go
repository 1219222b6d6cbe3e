package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kkkqkx123/open-agent/graph"
	"github.com/kkkqkx123/open-agent/graph/emit"
	"github.com/kkkqkx123/open-agent/graph/model"
	"github.com/kkkqkx123/open-agent/graph/model/anthropic"
	"github.com/kkkqkx123/open-agent/graph/model/google"
	"github.com/kkkqkx123/open-agent/graph/model/openai"
	"github.com/kkkqkx123/open-agent/graph/sched"
	"github.com/kkkqkx123/open-agent/graph/store"
	"github.com/kkkqkx123/open-agent/graph/tool"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow to completion",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	cmd.Flags().String("state", "", "Initial state JSON file")
	cmd.Flags().String("sched", "", "Scheduler config YAML (task groups, pools, circuit breaker)")
	cmd.Flags().String("store", "", "SQLite store path (default: in-memory)")
	cmd.Flags().Bool("json-events", false, "Emit execution events as JSON lines on stderr")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	workflowPath := args[0]
	statePath, _ := cmd.Flags().GetString("state")
	schedPath, _ := cmd.Flags().GetString("sched")
	storePath, _ := cmd.Flags().GetString("store")
	jsonEvents, _ := cmd.Flags().GetBool("json-events")

	spec, err := graph.LoadWorkflow(workflowPath)
	if err != nil {
		return exitError(ExitValidation, "%v", err)
	}

	initial := graph.State{}
	if statePath != "" {
		raw, err := os.ReadFile(statePath) // #nosec G304 -- operator-supplied path
		if err != nil {
			return exitError(ExitValidation, "read state: %v", err)
		}
		if err := json.Unmarshal(raw, &initial); err != nil {
			return exitError(ExitValidation, "parse state: %v", err)
		}
	}

	var st store.Store
	if storePath != "" {
		st, err = store.NewSQLiteStore(storePath)
		if err != nil {
			return exitError(ExitRuntime, "open store: %v", err)
		}
	} else {
		st = store.NewMemStore()
	}
	defer st.Close() //nolint:errcheck

	var emitter emit.Emitter = emit.NewNullEmitter()
	if jsonEvents {
		emitter = emit.NewLogEmitter(cmd.ErrOrStderr(), true)
	}

	scheduler, err := buildScheduler(schedPath, emitter)
	if err != nil {
		return exitError(ExitValidation, "%v", err)
	}
	if scheduler != nil {
		defer scheduler.Close() //nolint:errcheck
	}

	deps := graph.Deps{
		Tools:   tool.NewRuntime(),
		Prompts: nil,
	}
	if scheduler != nil {
		deps.LLM = scheduler
	}

	specSource := overlaySource{
		primary:  spec,
		fallback: graph.DirSpecSource{Dir: filepath.Dir(workflowPath)},
	}
	builder := graph.NewBuilder(graph.DefaultRegistry(), deps, specSource)
	engine := graph.NewEngine(st, emitter, graph.Options{
		Checkpoint: graph.CheckpointPolicy{Mode: graph.CheckpointOnError, OnCancel: true},
	})
	runner := graph.NewRunner(builder, engine, st, specSource)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := runner.Run(ctx, spec.Name, initial, graph.RunOptions{})
	if err != nil {
		return buildFailure(err)
	}

	go func() {
		<-ctx.Done()
		handle.Cancel()
	}()

	final, err := handle.Wait()
	if err != nil {
		return runFailure(err)
	}

	out, err := json.MarshalIndent(final, "", "  ")
	if err != nil {
		return exitError(ExitRuntime, "encode final state: %v", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// overlaySource serves the entry spec by name and defers siblings to the
// workflow file's directory.
type overlaySource struct {
	primary  *graph.WorkflowSpec
	fallback graph.SpecSource
}

// Spec implements graph.SpecSource.
func (o overlaySource) Spec(name string) (*graph.WorkflowSpec, error) {
	if o.primary != nil && o.primary.Name == name {
		return o.primary, nil
	}
	if o.fallback == nil {
		return nil, fmt.Errorf("workflow spec not found: %s", name)
	}
	return o.fallback.Spec(name)
}

// buildScheduler wires the LLM scheduler from a config file, resolving
// model ids to provider adapters keyed by env API keys. Returns nil when
// no config is given (workflows without llm nodes).
func buildScheduler(schedPath string, emitter emit.Emitter) (*sched.Scheduler, error) {
	if schedPath == "" {
		return nil, nil
	}
	cfg, err := sched.LoadConfig(schedPath)
	if err != nil {
		return nil, err
	}
	return sched.New(cfg, model.FactoryFunc(envModel), sched.WithEmitter(emitter))
}

// envModel maps a model id to a provider adapter by naming convention,
// with credentials from the environment.
func envModel(id string) (model.ChatModel, error) {
	switch {
	case strings.HasPrefix(id, "claude"):
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("model %s: ANTHROPIC_API_KEY not set", id)
		}
		return anthropic.NewChatModel(key, id), nil
	case strings.HasPrefix(id, "gemini"):
		key := os.Getenv("GOOGLE_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("model %s: GOOGLE_API_KEY not set", id)
		}
		return google.NewChatModel(key, id), nil
	default:
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("model %s: OPENAI_API_KEY not set", id)
		}
		return openai.NewChatModel(key, id), nil
	}
}

// buildFailure maps build-time errors to exit codes.
func buildFailure(err error) error {
	var validation *graph.ValidationError
	var cycle *graph.InheritanceCycleError
	if errors.As(err, &validation) || errors.As(err, &cycle) {
		return exitError(ExitValidation, "%v", err)
	}
	return exitError(ExitRuntime, "%v", err)
}

// runFailure maps execution errors to exit codes.
func runFailure(err error) error {
	var execErr *graph.ExecutionError
	if errors.As(err, &execErr) {
		switch execErr.Kind {
		case graph.KindCancelled:
			return exitError(ExitCancelled, "%v", err)
		case graph.KindIterationLimit:
			return exitError(ExitLimit, "%v", err)
		case graph.KindValidation:
			return exitError(ExitValidation, "%v", err)
		}
	}
	return exitError(ExitRuntime, "%v", err)
}
