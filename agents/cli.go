package agents

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	realtime "github.com/bt-bridge/lingua-realtime"
	"github.com/bt-bridge/lingua-realtime/scenario"
	"github.com/bt-bridge/lingua-realtime/shared"
	"github.com/bt-bridge/lingua-realtime/usage"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

// Labels of the single toggle, one per session state.
const (
	LabelIdle       = "🎤 Start Conversation"
	LabelConnecting = "⏳ Connecting…"
	LabelActive     = "🔴 Listening…"
)

func Label(s realtime.SessionState) string {
	switch s {
	case realtime.StateConnecting:
		return LabelConnecting
	case realtime.StateActive:
		return LabelActive
	default:
		return LabelIdle
	}
}

// UsageReporter receives one event per finished session.
type UsageReporter interface {
	Report(ctx context.Context, e usage.Event) error
}

type CLIConfig struct {
	Catalog  *scenario.Catalog
	Scenario string
	Level    int
	// Reporter is optional.
	Reporter UsageReporter
}

// SessionController is the part of *realtime.Controller the agent drives.
type SessionController interface {
	Toggle(ctx context.Context, scenarioID string, level int) error
	State() realtime.SessionState
	OnStateChange(fn realtime.StateObserver)
	Close() error
}

var _ SessionController = (*realtime.Controller)(nil)

// CLIAgent is the terminal surface: Enter toggles the conversation, digits
// pick a scenario, "l1".."l3" pick a level, "q" quits.
type CLIAgent struct {
	logger   shared.LoggerAdapter
	printer  *shared.Printer
	catalog  *scenario.Catalog
	reporter UsageReporter
	now      func() time.Time

	mu          sync.Mutex
	ctrl        SessionController
	scenario    scenario.Scenario
	level       int
	startedAt   time.Time
	transcripts []realtime.Transcript

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func NewCLIAgent(logger shared.LoggerAdapter, printer *shared.Printer, cfg CLIConfig) (*CLIAgent, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = scenario.Default()
	}
	return &CLIAgent{
		logger:   logger.With(zap.String("component", "cli-agent")),
		printer:  printer,
		catalog:  cfg.Catalog,
		reporter: cfg.Reporter,
		now:      time.Now,
		scenario: cfg.Catalog.Resolve(cfg.Scenario),
		level:    scenario.ClampLevel(cfg.Level),
		done:     make(chan struct{}),
	}, nil
}

func (a *CLIAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing", err)
	}
}

// Notify prints the failure notice.
func (a *CLIAgent) Notify(msg string) {
	a.println("❌ "+msg, 0)
}

// HandleMessage prints finished transcript lines and error events.
func (a *CLIAgent) HandleMessage(msg realtime.Message) {
	if !msg.IsEvent() {
		if msg.Text != "" {
			a.println("💬 "+msg.Text, 1)
		}
		return
	}
	if text, ok := msg.Event.ErrorMessage(); ok {
		a.logger.Warn("error event", zap.String("message", text))
		a.println("⚠️ "+text, 1)
		return
	}
	tr, ok := msg.Event.Transcript()
	if !ok {
		a.logger.Trace("event", zap.String("type", string(msg.Event.Type)))
		return
	}
	a.mu.Lock()
	a.transcripts = append(a.transcripts, tr)
	a.mu.Unlock()
	prefix := "🧑 "
	if tr.Role == realtime.RoleAssistant {
		prefix = "🤖 "
	}
	a.println(prefix+tr.Text, 1)
}

// Transcripts returns the lines of the current or last session.
func (a *CLIAgent) Transcripts() []realtime.Transcript {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]realtime.Transcript(nil), a.transcripts...)
}

func (a *CLIAgent) onState(prev, next realtime.SessionState) {
	a.println(Label(next), 0)
	a.mu.Lock()
	switch {
	case next == realtime.StateConnecting:
		// Queued messages are flushed before Active is observed.
		a.transcripts = nil
	case next == realtime.StateActive:
		a.startedAt = a.now()
		a.mu.Unlock()
		a.println("Speak now. Press Enter to stop.", 1)
		return
	case prev == realtime.StateActive && next == realtime.StateIdle:
		ev := usage.Event{
			ScenarioID:      a.scenario.ID,
			Level:           a.level,
			StartedAt:       a.startedAt.UTC(),
			DurationSeconds: a.now().Sub(a.startedAt).Seconds(),
		}
		a.mu.Unlock()
		a.report(ev)
		return
	}
	a.mu.Unlock()
}

func (a *CLIAgent) report(ev usage.Event) {
	if a.reporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.reporter.Report(ctx, ev); err != nil {
		a.logger.Warn("usage not reported", zap.Error(err))
		return
	}
	a.logger.Info("usage reported", zap.Float64("seconds", ev.DurationSeconds))
}

func (a *CLIAgent) printSelection() {
	a.mu.Lock()
	sel := struct {
		Scenario    int    `yaml:"scenario"`
		Title       string `yaml:"title"`
		Description string `yaml:"description"`
		Level       int    `yaml:"level"`
	}{a.scenario.ID, a.scenario.Title, a.scenario.Description, a.level}
	a.mu.Unlock()
	out, err := yaml.Marshal(sel)
	if err != nil {
		a.logger.Error("marshaling selection to yaml", err)
		return
	}
	a.println("📋 Selection", 0)
	if err := a.printer.Write(string(out), 1); err != nil {
		a.logger.Error("printing selection", err)
	}
}

func (a *CLIAgent) printMenu() {
	a.println("📚 Scenarios", 0)
	for _, s := range a.catalog.All() {
		if err := a.printer.Writef(1, "%d. %s: %s\n", s.ID, s.Title, s.Description); err != nil {
			a.logger.Error("printing menu", err)
		}
	}
	a.println("Enter: toggle · 1-3: scenario · l1-l3: level · q: quit", 0)
}

// Spawn prints the menu and starts reading commands from in. The returned
// channel closes once the agent stopped, after the session was torn down.
func (a *CLIAgent) Spawn(ctx context.Context, ctrl SessionController, in io.Reader) (<-chan struct{}, error) {
	if ctrl == nil {
		return nil, errors.New("no controller provided")
	}
	if in == nil {
		return nil, errors.New("no input provided")
	}
	a.mu.Lock()
	if a.ctrl != nil {
		a.mu.Unlock()
		return nil, errors.New("agent already spawned")
	}
	a.ctrl = ctrl
	a.mu.Unlock()

	a.logger.Info("spawning CLI agent")
	a.println("🤖 Spawning CLI agent...\n", 0)
	ctrl.OnStateChange(a.onState)
	a.printMenu()
	a.printSelection()
	a.println(Label(ctrl.State()), 0)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-a.done:
				return
			}
		}
	}()
	go a.loop(ctx, lines)
	return a.done, nil
}

func (a *CLIAgent) loop(ctx context.Context, lines <-chan string) {
	defer func() { _ = a.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := a.command(ctx, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

// command runs one input line and reports whether the agent should quit.
func (a *CLIAgent) command(ctx context.Context, line string) bool {
	switch {
	case line == "":
		a.mu.Lock()
		id, level := a.scenario.ID, a.level
		a.mu.Unlock()
		go func() {
			if err := a.ctrl.Toggle(ctx, itoa(id), level); err != nil {
				a.logger.Debug("toggle finished with error", zap.Error(err))
			}
		}()
	case line == "q" || line == "quit":
		return true
	case strings.HasPrefix(line, "l"):
		if a.ctrl.State() != realtime.StateIdle {
			a.println("Stop the conversation before changing the level.", 1)
			return false
		}
		a.mu.Lock()
		a.level = scenario.ParseLevel(strings.TrimPrefix(line, "l"))
		a.mu.Unlock()
		a.printSelection()
	default:
		if a.ctrl.State() != realtime.StateIdle {
			a.println("Stop the conversation before changing the scenario.", 1)
			return false
		}
		a.mu.Lock()
		a.scenario = a.catalog.Resolve(line)
		a.mu.Unlock()
		a.printSelection()
	}
	return false
}

func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

// Close stops any session and releases the agent. It is idempotent.
func (a *CLIAgent) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		ctrl := a.ctrl
		a.mu.Unlock()
		if ctrl != nil {
			a.closeErr = ctrl.Close()
		}
		a.logger.Info("CLI agent closed")
		close(a.done)
	})
	return a.closeErr
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
