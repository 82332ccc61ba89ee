// ABOUTME: CLI entrypoint for the conductor agent runtime with interactive chat and setup modes.
// ABOUTME: Wires a provider profile, local execution environment, and LLM client into an agent session.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/2389-research/conductor/agent"
	"github.com/2389-research/conductor/llm"
	"github.com/2389-research/conductor/transcript"
	"github.com/2389-research/conductor/tui"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v3"
)

var version = "dev"

// config holds all CLI configuration parsed from flags.
type config struct {
	provider    string
	model       string
	profilePath string
	workingDir  string
	dataDir     string
	maxTurns    int
	compaction  string
	tuiMode     bool
	showVersion bool
}

func main() {
	loadDotEnvAuto()

	if cfg, ok := parseSetupArgs(os.Args[1:]); ok {
		os.Exit(runSetup(cfg))
	}

	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("conductor %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

// parseFlags parses command-line flags and returns a populated config.
func parseFlags() config {
	var cfg config

	fs := flag.NewFlagSet("conductor", flag.ContinueOnError)
	fs.StringVar(&cfg.provider, "provider", "", "LLM provider: anthropic, openai, or gemini (default: first detected)")
	fs.StringVar(&cfg.model, "model", "", "Model ID or alias (default: provider's default model)")
	fs.StringVar(&cfg.profilePath, "profile", "", "YAML file describing session configuration")
	fs.StringVar(&cfg.workingDir, "working-dir", "", "Working directory the agent operates in (default: CWD)")
	fs.StringVar(&cfg.dataDir, "data-dir", "", "Data directory for persistent state (default: $XDG_DATA_HOME/conductor)")
	fs.IntVar(&cfg.maxTurns, "max-turns", 0, "Maximum assistant turns before the session stops (default: 100)")
	fs.StringVar(&cfg.compaction, "compaction", "", "History compaction: truncate, compact, summary:low|medium|high")
	fs.BoolVar(&cfg.tuiMode, "tui", false, "Run with interactive terminal UI instead of the line-based chat loop")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	fs.Usage = func() {
		printHelp(os.Stderr, version)
	}

	args := os.Args[1:]
	if len(args) > 0 && args[0] == "chat" {
		args = args[1:]
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	return cfg
}

// sessionProfile is the subset of SessionConfig + provider selection that can
// be loaded from a YAML profile file via -profile.
type sessionProfile struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	MaxTurns   int    `yaml:"max_turns"`
	Compaction string `yaml:"compaction"`
	WorkingDir string `yaml:"working_dir"`
}

// loadSessionProfile reads and parses a YAML session profile.
func loadSessionProfile(path string) (sessionProfile, error) {
	var p sessionProfile
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read profile %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return p, nil
}

// run builds a session from cfg and drives an interactive chat loop until
// EOF or interrupt. Returns an exit code: 0 for success, 1 for failure.
func run(cfg config) int {
	if cfg.profilePath != "" {
		p, err := loadSessionProfile(cfg.profilePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
		if cfg.provider == "" {
			cfg.provider = p.Provider
		}
		if cfg.model == "" {
			cfg.model = p.Model
		}
		if cfg.maxTurns == 0 {
			cfg.maxTurns = p.MaxTurns
		}
		if cfg.compaction == "" {
			cfg.compaction = p.Compaction
		}
		if cfg.workingDir == "" {
			cfg.workingDir = p.WorkingDir
		}
	}

	client, err := llm.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		fmt.Fprintln(os.Stderr, "Set one of: ANTHROPIC_API_KEY, OPENAI_API_KEY, or GEMINI_API_KEY")
		fmt.Fprintln(os.Stderr, "Run 'conductor setup' to configure keys interactively.")
		return 1
	}

	profile, err := resolveProfile(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	workDir := cfg.workingDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "error: resolve working directory:", err)
			return 1
		}
		workDir = wd
	}
	env := agent.NewLocalExecutionEnvironment(workDir)
	if err := env.Initialize(); err != nil {
		fmt.Fprintln(os.Stderr, "error: initialize environment:", err)
		return 1
	}
	defer env.Cleanup()

	sessionCfg := agent.DefaultSessionConfig()
	sessionCfg.Model = profile.Model()
	sessionCfg.Provider = profile.ID()
	sessionCfg.WorkingDirectory = workDir
	sessionCfg.ContextWindowSize = profile.ContextWindowSize()
	if cfg.maxTurns > 0 {
		sessionCfg.MaxTurns = cfg.maxTurns
	}
	if cfg.compaction != "" {
		sessionCfg.CompactionMode = cfg.compaction
	}

	session := agent.NewSession(sessionCfg, profile, env, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		session.Abort()
		cancel()
	}()

	events := attachTranscript(ctx, cfg, session, profile)

	if cfg.tuiMode {
		if err := runTUI(ctx, session, profile, env, client, events); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			session.Abort()
			return 1
		}
		session.Abort()
		return 0
	}

	printed := make(chan struct{})
	go printEvents(events, printed)

	runChat(ctx, session, profile, env, client)

	session.Abort()
	<-printed
	return 0
}

// attachTranscript opens a SQLite transcript store under the resolved data
// directory and wires a Recorder as the session's sole Event Channel
// consumer, returning a channel of the same events for display. If the
// store cannot be opened, persistence is skipped and the session's Event
// Channel is drained directly onto the returned channel instead.
func attachTranscript(ctx context.Context, cfg config, session *agent.Session, profile agent.ProviderProfile) <-chan agent.SessionEvent {
	dataDir := cfg.dataDir
	if dataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, "warning: resolve data directory:", err, "(transcripts will not be saved)")
			return drainDirectly(ctx, session)
		}
		dataDir = dir
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "warning: create data directory:", err, "(transcripts will not be saved)")
		return drainDirectly(ctx, session)
	}

	store, err := transcript.Open(filepath.Join(dataDir, "transcripts.db"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning: open transcript store:", err, "(transcripts will not be saved)")
		return drainDirectly(ctx, session)
	}

	runID, err := store.BeginRun(session.ID, profile.ID(), profile.Model())
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning: begin transcript run:", err, "(transcripts will not be saved)")
		_ = store.Close()
		return drainDirectly(ctx, session)
	}

	forward := make(chan agent.SessionEvent, 64)
	rec := transcript.NewRecorder(store, runID, forward)
	go func() {
		if err := rec.Run(ctx, session); err != nil && ctx.Err() == nil {
			fmt.Fprintln(os.Stderr, "warning: transcript recorder stopped:", err)
		}
		_ = store.EndRun(runID)
		_ = store.Close()
	}()

	return forward
}

// drainDirectly attaches directly to session.Events, re-exposing the same
// sequence as a channel for callers that otherwise expect one from
// attachTranscript.
func drainDirectly(ctx context.Context, session *agent.Session) <-chan agent.SessionEvent {
	ch := make(chan agent.SessionEvent, 64)
	go func() {
		defer close(ch)
		for {
			ev, ok, err := session.Events.Next(ctx)
			if err != nil || !ok {
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// resolveProfile selects a ProviderProfile matching cfg.provider, or the
// first provider with a detected API key when cfg.provider is empty.
func resolveProfile(cfg config) (agent.ProviderProfile, error) {
	name := cfg.provider
	if name == "" {
		switch {
		case os.Getenv("ANTHROPIC_API_KEY") != "":
			name = "anthropic"
		case os.Getenv("OPENAI_API_KEY") != "":
			name = "openai"
		case os.Getenv("GEMINI_API_KEY") != "":
			name = "gemini"
		default:
			return nil, fmt.Errorf("no provider specified and no API key detected")
		}
	}

	switch strings.ToLower(name) {
	case "anthropic":
		return agent.NewAnthropicProfile(cfg.model), nil
	case "openai":
		return agent.NewOpenAIProfile(cfg.model), nil
	case "gemini":
		return agent.NewGeminiProfile(cfg.model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q: expected anthropic, openai, or gemini", name)
	}
}

// runTUI launches the interactive Bubble Tea chat UI for session, blocking
// until the user quits or the program errors.
func runTUI(ctx context.Context, session *agent.Session, profile agent.ProviderProfile, env agent.ExecutionEnvironment, client *llm.Client, events <-chan agent.SessionEvent) error {
	model := tui.NewAppModel(ctx, session, profile, env, client)
	program := tea.NewProgram(model, tea.WithAltScreen())

	bridge := tui.NewEventBridge(program.Send)
	go bridge.PumpChannel(ctx, events)

	_, err := program.Run()
	return err
}

// printEvents renders events to stdout until the channel closes. Closes
// done when it returns so the caller can wait for all output to flush
// before exiting.
func printEvents(events <-chan agent.SessionEvent, done chan<- struct{}) {
	defer close(done)
	for ev := range events {
		renderEvent(ev)
	}
}

// renderEvent prints a single session event to stdout in a human-readable form.
func renderEvent(ev agent.SessionEvent) {
	switch ev.Kind {
	case agent.EventAssistantTextDelta:
		if text, ok := ev.Data["text"].(string); ok {
			fmt.Print(text)
		}
	case agent.EventAssistantTextEnd:
		fmt.Println()
	case agent.EventThinkingDelta:
		// Thinking deltas are suppressed from the default transcript; the
		// profile's reasoning still drives tool selection either way.
	case agent.EventToolCallStart:
		fmt.Printf("\n[tool] %v %v\n", ev.Data["tool_name"], ev.Data["args"])
	case agent.EventToolCallEnd:
		if out, ok := ev.Data["output"].(string); ok && out != "" {
			fmt.Printf("[tool output] %s\n", truncateForDisplay(out, 2000))
		}
	case agent.EventTurnLimit:
		fmt.Println("\n[turn limit reached]")
	case agent.EventLoopDetection:
		fmt.Println("\n[loop detected, stopping]")
	case agent.EventContextWarning:
		if fraction, ok := ev.Data["fraction"].(float64); ok {
			fmt.Printf("\n[context warning] %.0f%% of context window used\n", fraction*100)
		}
	case agent.EventError:
		fmt.Fprintf(os.Stderr, "\n[error] %v\n", ev.Data["error"])
	case agent.EventSubagentEvent:
		fmt.Printf("\n[subagent event] %v\n", ev.Data)
	}
}

// truncateForDisplay shortens s to at most n bytes, appending a marker when truncated.
func truncateForDisplay(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}

// runChat reads lines from stdin and feeds each as a user input to the
// session until EOF or the context is cancelled.
func runChat(ctx context.Context, session *agent.Session, profile agent.ProviderProfile, env agent.ExecutionEnvironment, client *llm.Client) {
	fmt.Printf("conductor — %s (%s)\n", profile.ID(), profile.Model())
	fmt.Println("Type your message and press Enter. Ctrl-D or Ctrl-C to exit.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		if ctx.Err() != nil {
			return
		}
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if session.IsAborted() {
			return
		}

		if err := session.Submit(ctx, line); err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintln(os.Stderr, "\n[error]", err)
		}
	}
}
