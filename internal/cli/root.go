// Package cli is the interactive front end: it submits goals to the
// engine, relays each run's event stream to the terminal and routes
// answer/stop/resume commands back.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"foreman/internal/actions"
	"foreman/internal/checkpoint"
	"foreman/internal/display"
	"foreman/internal/engine"
	"foreman/internal/events"
	"foreman/internal/listener"
	"foreman/internal/llm"
	"foreman/internal/logger"
	"foreman/internal/run"
	"foreman/internal/think"
)

var flags struct {
	backend     string
	model       string
	mode        string
	strategy    string
	concurrency int
	dbPath      string
	workdir     string
	sessionKey  string
	listen      string
}

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Plan-and-execute agent runs from your terminal",
	Long: `Foreman turns a goal into an execution plan and drives it to
completion in the background, streaming progress as it goes. Paused
runs can be answered, stopped runs resumed.`,
	RunE: runRoot,
}

func init() {
	rootCmd.Flags().StringVar(&flags.backend, "backend", os.Getenv("FOREMAN_BACKEND"), "LLM backend (gemini or ollama)")
	rootCmd.Flags().StringVar(&flags.model, "model", os.Getenv("FOREMAN_MODEL"), "model override for the active backend")
	rootCmd.Flags().StringVar(&flags.mode, "mode", "react", "execution mode (react or think)")
	rootCmd.Flags().StringVar(&flags.strategy, "strategy", string(think.WinnerTakesAll), "think-mode merge strategy (winner_takes_all or best_of_each)")
	rootCmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "max runs executing at once (0 = default)")
	rootCmd.Flags().StringVar(&flags.dbPath, "db", "foreman.db", "checkpoint database path")
	rootCmd.Flags().StringVar(&flags.workdir, "workdir", ".", "working directory for run side effects")
	rootCmd.Flags().StringVar(&flags.sessionKey, "session", "default", "session key grouping this terminal's runs")
	rootCmd.Flags().StringVar(&flags.listen, "listen", "", "optional addr serving the event stream over websocket (e.g. :8787)")
}

func runRoot(cmd *cobra.Command, args []string) error {
	if err := llm.Init(llm.Config{
		Backend:    flags.backend,
		Model:      flags.model,
		OllamaHost: os.Getenv("OLLAMA_HOST"),
	}); err != nil {
		return fmt.Errorf("init LLM backend: %w", err)
	}

	store, err := checkpoint.Open(flags.dbPath)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	eng := buildEngine(store)
	defer eng.Shutdown()

	if flags.listen != "" {
		sink := events.NewWSSink()
		eng.Sink = sink
		defer sink.Close()
		go serveStream(flags.listen, sink)
	}

	if err := listener.Init(); err != nil {
		return fmt.Errorf("init terminal input: %w", err)
	}
	defer listener.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nGoodbye!")
		listener.Close()
		os.Exit(0)
	}()

	listener.AsyncPrintln("Type a goal to start a run. Commands: stop <run>, answer <run> <token> <reply>, resume <run>, exit")
	repl(eng)
	return nil
}

func buildEngine(store *checkpoint.Store) *engine.Engine {
	mode := engine.ModeReact
	if strings.EqualFold(flags.mode, string(engine.ModeThink)) {
		mode = engine.ModeThink
	}
	eng := engine.New(engine.Config{
		Mode:              mode,
		GlobalConcurrency: flags.concurrency,
		Strategy:          think.Strategy(flags.strategy),
	}, store)
	eng.Source = &llm.Source{Model: flags.model}
	eng.Exec = actions.NewRunner(flags.workdir)
	eng.Eval = &llm.Evaluator{Model: flags.model}
	eng.Planner = &llm.Planner{Model: flags.model}
	eng.Scorer = &llm.Scorer{Model: flags.model}
	return eng
}

func serveStream(addr string, sink *events.WSSink) {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", sink.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Log.Printf("event stream server stopped: %v", err)
	}
}

func repl(eng *engine.Engine) {
	for {
		input := listener.GetInput()
		if input == "" {
			continue
		}
		fields := strings.Fields(input)
		switch strings.ToLower(fields[0]) {
		case "exit", "quit":
			fmt.Println("Goodbye!")
			return
		case "stop":
			handleStop(eng, fields)
		case "answer":
			handleAnswer(eng, fields)
		case "resume":
			handleResume(eng, fields)
		default:
			handleGoal(eng, input)
		}
	}
}

func handleGoal(eng *engine.Engine, goal string) {
	runID, ch, err := eng.StartRun(context.Background(), goal, flags.sessionKey)
	if err != nil {
		listener.AsyncPrintln(fmt.Sprintf("[start FAILED] %v", err))
		return
	}
	listener.AsyncPrintln(fmt.Sprintf("[run %s] started", shortID(runID)))
	if ch != nil {
		go watch(eng, runID, ch)
	}
}

func handleStop(eng *engine.Engine, fields []string) {
	if len(fields) < 2 {
		listener.AsyncPrintln("usage: stop <run-id>")
		return
	}
	if !listener.AskYesNo(fmt.Sprintf("Stop run %s?", fields[1])) {
		return
	}
	if err := eng.StopRun(fields[1]); err != nil {
		listener.AsyncPrintln(fmt.Sprintf("[stop FAILED] %v", err))
	}
}

func handleAnswer(eng *engine.Engine, fields []string) {
	if len(fields) < 4 {
		listener.AsyncPrintln("usage: answer <run-id> <token> <reply...>")
		return
	}
	resume(eng, engine.Resume{
		RunID:      fields[1],
		SessionKey: flags.sessionKey,
		Token:      fields[2],
		Answer:     strings.Join(fields[3:], " "),
	})
}

func handleResume(eng *engine.Engine, fields []string) {
	if len(fields) < 2 {
		listener.AsyncPrintln("usage: resume <run-id> [token] [reply...]")
		return
	}
	req := engine.Resume{RunID: fields[1], SessionKey: flags.sessionKey}
	if len(fields) > 2 {
		req.Token = fields[2]
	}
	if len(fields) > 3 {
		req.Answer = strings.Join(fields[3:], " ")
	}
	resume(eng, req)
}

func resume(eng *engine.Engine, req engine.Resume) {
	runID, ch, err := eng.ResumeRun(context.Background(), req)
	if err != nil {
		listener.AsyncPrintln(fmt.Sprintf("[resume FAILED] %v", err))
		return
	}
	listener.AsyncPrintln(fmt.Sprintf("[run %s] resumed", shortID(runID)))
	if ch != nil {
		go watch(eng, runID, ch)
	}
}

// watch relays one run's events to the terminal until the stream
// closes or the run parks in waiting.
func watch(eng *engine.Engine, runID string, ch <-chan events.Event) {
	for ev := range ch {
		if !events.Compatible(ev) {
			continue
		}
		if line := display.FormatEvent(ev); line != "" {
			listener.AsyncPrintln(line)
		}
		if ev.Type == events.TypeRunStatus && ev.Status == run.StatusWaiting {
			announceWaiting(eng, runID)
		}
	}
}

func announceWaiting(eng *engine.Engine, runID string) {
	// The pause record lands just after the status event; give it a beat.
	for i := 0; i < 10; i++ {
		if p, ok := eng.Waiting(runID); ok {
			listener.AsyncPrintln(fmt.Sprintf("[run %s] QUESTION: %s", shortID(runID), p.Question))
			listener.AsyncPrintln(fmt.Sprintf("  reply with: answer %s %s <your reply>", runID, p.PromptToken))
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
