// Command relay is an interactive terminal client for the relay agent
// runtime.
//
// It resolves a provider from the configured model reference, builds an
// agent with two built-in tools (clock, shell), opens a session, and
// drives it from stdin: plain lines become user messages, slash commands
// manage the session. Assistant text streams as it arrives; shell
// commands wait for approval at the prompt.
//
// Configuration comes from relay.toml or $RELAY_CONFIG (see the config
// package for the schema). The zero config talks to OpenAI using
// $OPENAI_API_KEY and archives runs to relay.db.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coris-io/relay"
	"github.com/coris-io/relay/config"
	"github.com/coris-io/relay/observer"
	"github.com/coris-io/relay/provider/resolve"
	"github.com/coris-io/relay/store/postgres"
	"github.com/coris-io/relay/store/sqlite"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmsgprefix)
	log.SetPrefix("[relay] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg := config.Load(os.Getenv("RELAY_CONFIG"))

	// 2. Resolve the provider
	name, _, err := resolve.ParseModelRef(cfg.Model)
	if err != nil {
		log.Fatal(err)
	}
	creds := cfg.Provider(name)
	prov, err := resolve.Provider(cfg.Model, resolve.Config{APIKey: creds.APIKey, BaseURL: creds.BaseURL})
	if err != nil {
		log.Fatal(err)
	}

	// 3. Telemetry, when enabled
	var agentOpts []relay.AgentOption
	if cfg.Observer.Enabled {
		obsOpts := []observer.Option{
			observer.WithServiceName(cfg.Observer.ServiceName),
			observer.WithEndpoint(cfg.Observer.Endpoint),
		}
		if cfg.Observer.Insecure {
			obsOpts = append(obsOpts, observer.WithInsecure())
		}
		if len(cfg.Observer.Pricing) > 0 {
			pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
			for model, p := range cfg.Observer.Pricing {
				pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
			}
			obsOpts = append(obsOpts, observer.WithPricing(pricing))
		}
		inst, shutdown, err := observer.Init(ctx, obsOpts...)
		if err != nil {
			log.Fatalf("telemetry: %v", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				log.Printf("telemetry shutdown: %v", err)
			}
		}()
		agentOpts = append(agentOpts,
			relay.WithObserver(observer.NewTelemetry(inst)),
			relay.WithTracer(observer.NewTracer()),
		)
	}

	// 4. Archive
	var archive relay.Archive
	switch cfg.Store.Driver {
	case "sqlite":
		archive = sqlite.New(cfg.Store.DSN)
	case "postgres":
		pg, err := postgres.Connect(ctx, cfg.Store.DSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		archive = pg
	case "":
		// runs are not archived
	default:
		log.Fatalf("unknown store driver %q", cfg.Store.Driver)
	}
	if archive != nil {
		if err := archive.Init(ctx); err != nil {
			log.Fatalf("archive init: %v", err)
		}
		defer archive.Close()
	}

	// 5. Build the agent
	agentOpts = append(agentOpts,
		relay.WithInstructions("You are a helpful assistant in a terminal session. Use the provided tools when they help."),
		relay.WithTools(clockTool(), shellTool(time.Duration(cfg.Tools.TimeoutMS)*time.Millisecond)),
		relay.WithMaxIter(cfg.Agent.MaxIterations),
		relay.WithRetryPolicy(relay.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
		}),
	)
	if cfg.Agent.TimeoutMS > 0 {
		agentOpts = append(agentOpts, relay.WithTimeout(time.Duration(cfg.Agent.TimeoutMS)*time.Millisecond))
	}
	if cfg.Agent.ParallelTools {
		agentOpts = append(agentOpts, relay.WithParallelTools())
	}
	agent, err := relay.NewAgent("relay", prov, agentOpts...)
	if err != nil {
		log.Fatal(err)
	}

	// 6. Open a session
	svOpts := []relay.SupervisorOption{}
	if archive != nil {
		svOpts = append(svOpts, relay.SupervisorArchive(archive))
	}
	sv := relay.NewSupervisor(agent, svOpts...)
	sess, err := sv.Open("", relay.SessionApprovalTimeout(time.Duration(cfg.Approval.TimeoutMS)*time.Millisecond))
	if err != nil {
		log.Fatal(err)
	}
	sub, err := sess.Subscribe(64)
	if err != nil {
		log.Fatal(err)
	}
	go printEvents(sub)

	// 7. Drive it from stdin
	fmt.Printf("relay %s | session %s | /help for commands\n", cfg.Model, sess.ID())
	repl(ctx, sess, archive)

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// repl reads stdin line by line until EOF, /quit, or a signal.
func repl(ctx context.Context, sess *relay.Session, archive relay.Archive) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Print("> ")
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !dispatch(ctx, sess, archive, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

const helpText = `  <text>                  send a message
  /cancel                 stop the active run and drop queued messages
  /approve <call-id>      release a gated tool call
  /reject <call-id> [why] block a gated tool call
  /edit <call-id> <json>  release a gated call with replacement arguments
  /pending                list calls awaiting approval
  /history                print the transcript
  /runs                   list archived runs for this session
  /clear                  empty the transcript
  /quit                   exit
`

// dispatch handles one input line. Returns false to exit the loop.
func dispatch(ctx context.Context, sess *relay.Session, archive relay.Archive, line string) bool {
	fields := strings.Fields(line)
	cmd := ""
	if len(fields) > 0 {
		cmd = fields[0]
	}
	switch {
	case line == "":
		fmt.Print("> ")

	case cmd == "/quit" || cmd == "/exit":
		return false

	case cmd == "/help":
		fmt.Print(helpText, "> ")

	case cmd == "/cancel":
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sess.Cancel(cctx, "user")
		cancel()
		if err != nil {
			fmt.Printf("cancel: %v\n> ", err)
		}
		// the feed prints the cancelled event and the next prompt

	case cmd == "/approve":
		if len(fields) != 2 {
			fmt.Print("usage: /approve <call-id>\n> ")
			break
		}
		if err := sess.Approve(fields[1]); err != nil {
			fmt.Printf("approve: %v\n> ", err)
		}

	case cmd == "/reject":
		if len(fields) < 2 {
			fmt.Print("usage: /reject <call-id> [reason]\n> ")
			break
		}
		if err := sess.Reject(fields[1], strings.Join(fields[2:], " ")); err != nil {
			fmt.Printf("reject: %v\n> ", err)
		}

	case cmd == "/edit":
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 3 {
			fmt.Print("usage: /edit <call-id> <json>\n> ")
			break
		}
		args := strings.TrimSpace(parts[2])
		if !json.Valid([]byte(args)) {
			fmt.Print("edit: replacement arguments must be valid JSON\n> ")
			break
		}
		if err := sess.Edit(parts[1], json.RawMessage(args)); err != nil {
			fmt.Printf("edit: %v\n> ", err)
		}

	case cmd == "/pending":
		pending := sess.PendingApprovals()
		if len(pending) == 0 {
			fmt.Print("no calls awaiting approval\n> ")
			break
		}
		for _, req := range pending {
			fmt.Printf("%s  %s %s  expires %s\n", req.CallID, req.Tool, argsText(req.Args), req.ExpiresAt.Format("15:04:05"))
		}
		fmt.Print("> ")

	case cmd == "/history":
		for _, m := range sess.History() {
			printMessage(m)
		}
		fmt.Print("> ")

	case cmd == "/runs":
		if archive == nil {
			fmt.Print("no archive configured\n> ")
			break
		}
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		recs, err := archive.GetRuns(rctx, sess.ID(), 20)
		cancel()
		if err != nil {
			fmt.Printf("runs: %v\n> ", err)
			break
		}
		for _, r := range recs {
			fmt.Printf("%s  %-14s %2d iter  %s\n",
				r.FinishedAt.Format("15:04:05"), r.StoppedReason, r.Iterations, clip(r.Input, 60))
		}
		fmt.Print("> ")

	case cmd == "/clear":
		if err := sess.Clear(); err != nil {
			fmt.Printf("clear: %v\n> ", err)
		} else {
			fmt.Print("transcript cleared\n> ")
		}

	case strings.HasPrefix(cmd, "/"):
		fmt.Printf("unknown command %s, /help lists them\n> ", cmd)

	default:
		if _, err := sess.SendMessage(line); err != nil {
			fmt.Printf("send: %v\n> ", err)
		}
		// the feed streams the reply and prints the next prompt
	}
	return true
}

// printEvents renders the session feed. The prompt reprints after events
// that end a run or need input.
func printEvents(sub *relay.Subscription) {
	for ev := range sub.C {
		switch ev.Type {
		case relay.SessionAgentDelta:
			fmt.Print(ev.Delta)
		case relay.SessionToolCall:
			fmt.Printf("\n[tool] %s %s\n", ev.Tool, argsText(ev.Args))
		case relay.SessionToolResult:
			fmt.Printf("[tool] %s -> %s\n", ev.Tool, clip(ev.Content, 200))
		case relay.SessionApprovalRequired:
			fmt.Printf("\n[approval] %s %s\n  /approve %s | /reject %s [reason] | /edit %s <json>\n> ",
				ev.Tool, argsText(ev.Args), ev.CallID, ev.CallID, ev.CallID)
		case relay.SessionAgentComplete:
			if ev.Usage != nil {
				fmt.Printf("\n(%d in / %d out tokens, %d tool calls)\n> ",
					ev.Usage.InputTokens, ev.Usage.OutputTokens, ev.Usage.ToolCalls)
			} else {
				fmt.Print("\n> ")
			}
		case relay.SessionAgentError:
			fmt.Printf("\n[error] %s (%s)\n> ", ev.Error, ev.ErrorKind)
		case relay.SessionAgentCancelled:
			fmt.Printf("\n[cancelled] %s\n> ", ev.Reason)
		}
	}
}

func printMessage(m relay.ChatMessage) {
	switch {
	case m.Role == "assistant" && len(m.ToolCalls) > 0:
		names := make([]string, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			names[i] = tc.Name
		}
		fmt.Printf("assistant: calls %s\n", strings.Join(names, ", "))
	case m.Role == "tool":
		fmt.Printf("tool %s: %s\n", m.ToolName, clip(m.Content, 120))
	default:
		fmt.Printf("%s: %s\n", m.Role, clip(m.Content, 400))
	}
}

// --- built-in tools ---

// clockTool reports the current time. No arguments, no approval.
func clockTool() *relay.ToolDescriptor {
	return relay.NewTool("clock", "Current date and time.", nil,
		func(ctx context.Context, args json.RawMessage) relay.ToolOutcome {
			return relay.Value(time.Now().Format(time.RFC1123))
		})
}

// shellTool runs a command via /bin/sh. Every invocation waits for
// approval at the prompt.
func shellTool(timeout time.Duration) *relay.ToolDescriptor {
	params := json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command to run"}
		},
		"required": ["command"]
	}`)
	return relay.NewTool("shell", "Run a shell command and return its combined output.", params,
		func(ctx context.Context, args json.RawMessage) relay.ToolOutcome {
			var in struct {
				Command string `json:"command"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return relay.Fail(err)
			}
			out, err := exec.CommandContext(ctx, "/bin/sh", "-c", in.Command).CombinedOutput()
			if err != nil {
				return relay.Failf("%v: %s", err, clip(string(out), 2000))
			}
			if len(out) == 0 {
				return relay.Value("(no output)")
			}
			return relay.Value(clip(string(out), 8192))
		},
		relay.WithApproval(),
		relay.WithToolTimeout(timeout),
	)
}

// --- display helpers ---

func argsText(args json.RawMessage) string {
	if len(args) == 0 {
		return "{}"
	}
	return clip(string(args), 200)
}

func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
