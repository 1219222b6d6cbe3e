package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kkkqkx123/open-agent/graph"
	"github.com/kkkqkx123/open-agent/graph/model"
	"github.com/kkkqkx123/open-agent/graph/sched"
	"github.com/kkkqkx123/open-agent/graph/tool"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Validate a workflow file without executing it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}
	cmd.Flags().String("sched", "", "Scheduler config YAML to validate alongside")
	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	workflowPath := args[0]
	schedPath, _ := cmd.Flags().GetString("sched")

	spec, err := graph.LoadWorkflow(workflowPath)
	if err != nil {
		return exitError(ExitValidation, "%v", err)
	}

	if schedPath != "" {
		if _, err := sched.LoadConfig(schedPath); err != nil {
			return exitError(ExitValidation, "%v", err)
		}
	}

	specSource := overlaySource{
		primary:  spec,
		fallback: graph.DirSpecSource{Dir: filepath.Dir(workflowPath)},
	}
	builder := graph.NewBuilder(graph.DefaultRegistry(), stubDeps(), specSource)
	if _, err := builder.Build(spec); err != nil {
		return buildFailure(err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", spec.Name)
	return nil
}

// stubDeps satisfies node factories during validation; no node executes.
func stubDeps() graph.Deps {
	return graph.Deps{
		LLM:   stubInvoker{},
		Tools: tool.NewRuntime(),
		Prompts: graph.PromptFunc(func(context.Context, string, map[string]any) (string, error) {
			return "", nil
		}),
	}
}

type stubInvoker struct{}

// Invoke implements graph.LLMInvoker.
func (stubInvoker) Invoke(context.Context, string, model.Request) (model.Response, error) {
	return model.Response{}, fmt.Errorf("validation-only invoker")
}

// TierFor implements graph.LLMInvoker.
func (stubInvoker) TierFor(string) (*sched.Tier, bool) { return nil, false }
