package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/praxisworks/praxis/internal/budget"
	"github.com/praxisworks/praxis/internal/config"
	"github.com/praxisworks/praxis/internal/executor"
	"github.com/praxisworks/praxis/internal/llm"
	"github.com/praxisworks/praxis/internal/observability"
	"github.com/praxisworks/praxis/internal/providers"
	"github.com/praxisworks/praxis/internal/schedule"
	"github.com/praxisworks/praxis/internal/snapshot"
	"github.com/praxisworks/praxis/pkg/models"
)

// runtime bundles the shared services a command needs: configuration,
// the provider chain, the snapshot store, and observability.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	provider llm.Provider
	recorder *observability.EventRecorder
	tracer   *observability.Tracer
	store    *snapshot.Store

	shutdowns []func(context.Context) error
}

func buildRuntime(ctx context.Context, configPath string) (*runtime, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg}
	rt.logger = observability.NewLogger(cfg.LogConfig())

	metrics := observability.NewMetrics(nil)
	tracer, traceShutdown, err := observability.NewTracer(ctx, cfg.TraceConfig(version))
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	rt.tracer = tracer
	if traceShutdown != nil {
		rt.shutdowns = append(rt.shutdowns, traceShutdown)
	}
	rt.recorder = observability.NewEventRecorder(rt.logger, metrics, "anthropic")

	if cfg.Providers.Anthropic.APIKey == "" {
		return nil, errors.New("no Anthropic API key: set ANTHROPIC_API_KEY or providers.anthropic.api_key")
	}
	primary, err := providers.NewAnthropic(providers.AnthropicConfig{
		APIKey:       cfg.Providers.Anthropic.APIKey,
		BaseURL:      cfg.Providers.Anthropic.BaseURL,
		DefaultModel: cfg.Providers.Anthropic.Model,
		Logger:       rt.logger,
	})
	if err != nil {
		return nil, err
	}
	rt.provider = primary

	if cfg.Providers.OpenAI.APIKey != "" {
		fallback, err := providers.NewOpenAI(providers.OpenAIConfig{
			APIKey:       cfg.Providers.OpenAI.APIKey,
			BaseURL:      cfg.Providers.OpenAI.BaseURL,
			DefaultModel: cfg.Providers.OpenAI.Model,
			Logger:       rt.logger,
		})
		if err != nil {
			return nil, err
		}
		fcfg := providers.DefaultFailoverConfig()
		fcfg.FailoverOnRateLimit = cfg.Providers.FailoverOnRateLimit
		fcfg.FailoverOnServerError = cfg.Providers.FailoverOnServerError
		rt.provider = providers.NewFailover(fcfg, rt.logger, primary, fallback)
	}

	if cfg.Snapshot.Path != "" {
		store, err := snapshot.Open(cfg.Snapshot.Path, rt.logger)
		if err != nil {
			return nil, err
		}
		rt.store = store
		rt.shutdowns = append(rt.shutdowns, func(context.Context) error { return store.Close() })
	}

	if cfg.Metrics.Listen != "" {
		rt.serveMetrics(cfg.Metrics.Listen)
	}
	return rt, nil
}

func (rt *runtime) serveMetrics(listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("metrics listener failed", "addr", listen, "error", err)
		}
	}()
	rt.shutdowns = append(rt.shutdowns, srv.Shutdown)
	rt.logger.Info("metrics listening", "addr", listen)
}

func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(rt.shutdowns) - 1; i >= 0; i-- {
		if err := rt.shutdowns[i](ctx); err != nil {
			rt.logger.Warn("shutdown step failed", "error", err)
		}
	}
}

func (rt *runtime) newExecutor(task *models.Task) *executor.Executor {
	opts := executor.Options{
		Task:     task,
		Provider: rt.provider,
		Registry: newLocalRegistry(task.Workspace),
		Config:   rt.cfg.ExecutorConfig(),
		Sink:     rt.recorder,
		Logger:   rt.logger,
	}
	if rt.store != nil {
		opts.Snapshots = rt.store
		opts.Memory = rt.store
	}
	return executor.New(opts)
}

func agentConfigFromFlags(flags *runFlags) (models.AgentConfig, error) {
	cfg := models.AgentConfig{
		MaxTurns:     flags.maxTurns,
		DeepWorkMode: flags.deepWork,
	}
	switch mode := models.ExecutionMode(flags.mode); mode {
	case models.ModeExecute, models.ModePropose, models.ModeAnalyze, "":
		cfg.ExecutionMode = mode
	default:
		return cfg, fmt.Errorf("unknown mode %q", flags.mode)
	}
	switch domain := models.TaskDomain(flags.domain); domain {
	case models.DomainCode, models.DomainResearch, models.DomainGeneral,
		models.DomainOperations, models.DomainAuto, "":
		cfg.TaskDomain = domain
	default:
		return cfg, fmt.Errorf("unknown domain %q", flags.domain)
	}
	switch profile := models.BudgetProfileName(flags.profile); profile {
	case models.ProfileStrict, models.ProfileBalanced, models.ProfileAggressive,
		models.ProfileAuto, "":
		cfg.BudgetProfile = profile
	default:
		return cfg, fmt.Errorf("unknown profile %q", flags.profile)
	}
	if flags.interactive {
		cfg.AllowUserInput = true
		cfg.PauseForRequiredDecision = true
	} else {
		cfg.AutonomousMode = true
	}
	return cfg, nil
}

func mintTask(flags *runFlags, source models.TaskSource) (*models.Task, error) {
	agentCfg, err := agentConfigFromFlags(flags)
	if err != nil {
		return nil, err
	}
	id := flags.resume
	if id == "" {
		id = uuid.NewString()
	}
	title := flags.title
	if title == "" {
		title = flags.prompt
	}
	now := time.Now()
	return &models.Task{
		ID:              id,
		Title:           title,
		Prompt:          flags.prompt,
		Workspace:       ".",
		Source:          source,
		Status:          models.TaskPlanning,
		AgentConfig:     agentCfg,
		SuccessCriteria: flags.successCriteria,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func runTask(ctx context.Context, flags *runFlags) error {
	rt, err := buildRuntime(ctx, flags.configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	task, err := mintTask(flags, models.SourceUser)
	if err != nil {
		return err
	}
	ex := rt.newExecutor(task)

	// First interrupt asks the run to wrap up with what it has; a second
	// one cancels outright.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		rt.logger.Info("interrupt: wrapping up, interrupt again to cancel")
		ex.WrapUp()
		<-sigCh
		ex.Cancel(executor.CancelUser)
	}()

	ctx, span := rt.tracer.StartTask(ctx, task.ID, string(task.Source))

	if flags.resume != "" {
		err = ex.Resume(ctx)
	} else {
		err = ex.Execute(ctx)
	}
	err = rt.driveToCompletion(ctx, ex, flags, err)
	observability.EndWithError(span, err)

	if rt.store != nil {
		if recErr := rt.store.RecordOutcome(ctx, task); recErr != nil {
			rt.logger.Warn("record outcome failed", "error", recErr)
		}
	}
	if err != nil {
		return err
	}
	printResult(task)
	return nil
}

// driveToCompletion handles the two recoverable stops: the model asking
// a blocking question and a budget limit. Interactive runs resolve both
// from stdin; autonomous runs surface them as the final result.
func (rt *runtime) driveToCompletion(ctx context.Context, ex *executor.Executor, flags *runFlags, err error) error {
	reader := bufio.NewReader(os.Stdin)
	for {
		switch {
		case err == nil:
			return nil

		case executor.IsAwaitingUserInput(err):
			var pause *executor.AwaitingUserInputError
			errors.As(err, &pause)
			if !flags.interactive {
				fmt.Printf("\nTask paused: %s\nResume with: praxis run --resume %s --interactive\n",
					pause.Question, ex.Task().ID)
				return nil
			}
			fmt.Printf("\n%s\n> ", pause.Question)
			line, readErr := reader.ReadString('\n')
			if readErr != nil {
				return fmt.Errorf("read answer: %w", readErr)
			}
			err = ex.SendMessage(ctx, strings.TrimSpace(line))

		default:
			exhausted, ok := budget.IsExhausted(err)
			if !ok || !flags.interactive {
				return err
			}
			fmt.Printf("\n%v. Continue with a fresh budget? [y/N] ", exhausted)
			line, readErr := reader.ReadString('\n')
			if readErr != nil || !strings.EqualFold(strings.TrimSpace(line), "y") {
				return err
			}
			err = ex.ContinueAfterBudgetExhausted(ctx)
		}
	}
}

func printResult(task *models.Task) {
	fmt.Printf("\nstatus: %s", task.Status)
	if task.TerminalStatus != "" {
		fmt.Printf(" (%s)", task.TerminalStatus)
	}
	if task.FailureClass != "" {
		fmt.Printf(" [%s]", task.FailureClass)
	}
	fmt.Printf("\nusage: %d in / %d out tokens, $%.4f, %d turns\n",
		task.Usage.InputTokens, task.Usage.OutputTokens, task.Usage.CostUSD, task.Usage.Turns)
	if task.ResultSummary != "" {
		fmt.Printf("\n%s\n", task.ResultSummary)
	}
}

// executorRunner runs each cron-minted task through its own executor.
type executorRunner struct {
	rt *runtime
}

func (r *executorRunner) RunTask(ctx context.Context, task *models.Task) error {
	ex := r.rt.newExecutor(task)
	ctx, span := r.rt.tracer.StartTask(ctx, task.ID, string(task.Source))

	err := ex.Execute(ctx)
	observability.EndWithError(span, err)
	if r.rt.store != nil {
		if recErr := r.rt.store.RecordOutcome(ctx, task); recErr != nil {
			r.rt.logger.Warn("record outcome failed", "task_id", task.ID, "error", recErr)
		}
	}
	return err
}

func runSchedule(ctx context.Context, flags *runFlags, spec string) error {
	// Cron runs are unattended; pausing for a decision would hang the
	// schedule until the next operator login.
	flags.interactive = false

	rt, err := buildRuntime(ctx, flags.configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	agentCfg, err := agentConfigFromFlags(flags)
	if err != nil {
		return err
	}

	opts := []schedule.Option{schedule.WithLogger(rt.logger)}
	if d := time.Duration(rt.cfg.Executor.DeepWorkStepTimeout); flags.deepWork && d > 0 {
		opts = append(opts, schedule.WithRunTimeout(d))
	}
	sched, err := schedule.New(&executorRunner{rt: rt}, opts...)
	if err != nil {
		return err
	}
	if _, err := sched.Add(schedule.Entry{
		Spec:            spec,
		Title:           flags.title,
		Prompt:          flags.prompt,
		SuccessCriteria: flags.successCriteria,
		AgentConfig:     agentCfg,
	}); err != nil {
		return err
	}

	sched.Start()
	rt.logger.Info("schedule started", "spec", spec, "next", sched.Next())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	rt.logger.Info("schedule stopping, waiting for in-flight runs")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return sched.Stop(stopCtx)
}
