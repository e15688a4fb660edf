// -- cmd/run.go --
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skylark9/skylark-cli/api/schemas"
	"github.com/skylark9/skylark-cli/internal/observability"
	"github.com/skylark9/skylark-cli/pkg/agent"
	"github.com/skylark9/skylark-cli/pkg/antibot"
	"github.com/skylark9/skylark-cli/pkg/browser"
	"github.com/skylark9/skylark-cli/pkg/llmclient"
	"github.com/skylark9/skylark-cli/pkg/planner"
	"github.com/skylark9/skylark-cli/pkg/recovery"
	"github.com/skylark9/skylark-cli/pkg/verify"
	"github.com/skylark9/skylark-cli/pkg/watchdog"
	"github.com/skylark9/skylark-cli/pkg/workflow"
)

var (
	runSite string
	runTask string
	runGoal string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a mission against a target site",
	Long: `Run drives the autonomous control loop against a single site:
snapshot the page, classify the workflow state, plan actions, execute
and verify them, recovering or aborting as the watchdog dictates.`,
	RunE: runMission,
}

func init() {
	runCmd.Flags().StringVar(&runSite, "site", "", "target site URL (required)")
	runCmd.Flags().StringVar(&runTask, "task", "register", "mission task: register, login, fill_form, navigate, other")
	runCmd.Flags().StringVar(&runGoal, "goal", "", "free-form mission brief forwarded to the planner")
	_ = runCmd.MarkFlagRequired("site")
	rootCmd.AddCommand(runCmd)
}

func runMission(cmd *cobra.Command, args []string) error {
	logger := observability.GetLogger()

	task := schemas.TaskType(runTask)
	switch task {
	case schemas.TaskRegister, schemas.TaskLogin, schemas.TaskFillForm, schemas.TaskNavigate, schemas.TaskOther:
	default:
		return fmt.Errorf("unknown task %q", runTask)
	}
	goal := schemas.Goal{Site: runSite, Task: task, Brief: runGoal}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	llm, err := llmclient.NewClient(ctx, cfg.Agent.LLM, logger)
	if err != nil {
		// The heuristic classifier and fallback plans still work without an
		// LLM; degrade rather than refuse to start.
		logger.Warn("LLM client unavailable; running on heuristics only", zap.Error(err))
		llm = nil
	}

	wd := watchdog.New(logger, cfg.Agent.Watchdog)

	var (
		sessionsMu sync.Mutex
		sessions   []*browser.Session
	)
	defer func() {
		sessionsMu.Lock()
		defer sessionsMu.Unlock()
		for _, s := range sessions {
			s.Close()
		}
	}()

	factory := func(goal schemas.Goal) (*agent.Mission, error) {
		session, err := browser.NewSession(ctx, cfg.Browser, logger)
		if err != nil {
			return nil, err
		}
		sessionsMu.Lock()
		sessions = append(sessions, session)
		sessionsMu.Unlock()
		deps := agent.Deps{
			Watchdog:   wd,
			Classifier: workflow.NewClassifier(logger, llm),
			Policy:     antibot.NewEngine(logger, cfg.Agent.AntiBot),
			Verifier:   verify.NewVerifier(logger),
			Recovery:   recovery.NewPlanner(logger),
			Planner:    planner.New(logger, llm),
			Perceptor:  session,
			Driver:     session,
		}
		return agent.NewMission(logger, goal, deps)
	}

	runner := agent.NewRunner(logger, factory, cfg.Agent.MaxConcurrentMissions)
	results, err := runner.RunAll(ctx, []schemas.Goal{goal})
	if err != nil {
		return fmt.Errorf("mission run failed: %w", err)
	}

	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, result := range results {
		if result == nil {
			continue
		}
		if err := enc.Encode(result); err != nil {
			return err
		}
		if !result.Achieved {
			logger.Warn("Mission did not achieve its goal",
				zap.String("final_state", string(result.FinalState)),
				zap.String("abort_reason", result.AbortReason))
		}
	}
	return nil
}
