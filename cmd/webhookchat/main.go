package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"WebhookChat/internal/api"
	"WebhookChat/internal/auth"
	"WebhookChat/internal/chat"
	"WebhookChat/internal/config"
	"WebhookChat/internal/directory"
	"WebhookChat/internal/telemetry"
	"WebhookChat/internal/timeline"
)

// App wires the chat engine to an interactive terminal.
type App struct {
	logger     *slog.Logger
	authClient *auth.Client
	dir        *directory.Directory
	tl         *timeline.Timeline
	ctrl       *chat.Controller
}

func main() {
	var configPath string
	var debug bool
	flag.StringVar(&configPath, "config", "", "Path to config.toml")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if debug {
		cfg.Debug = true
	}

	app, cleanup, err := newApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp(cfg *config.Config) (*App, func(), error) {
	logger, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx := context.Background()
	tracer, meter, telemetryCleanup, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	store, err := auth.OpenTokenStore(cfg.TokenCache)
	if err != nil {
		logger.Warn("credential cache unavailable", "error", err)
		store = nil
	}

	source := auth.NewSource()
	authClient := auth.NewClient(cfg.AuthURL, cfg.AuthAnonKey, source, store, logger)

	client := api.NewClient(cfg.ServerURL, source, logger, tracer, meter)
	dir := directory.New(client, logger)
	tl := timeline.New(client, logger)

	ctrl := chat.New(client, dir, tl, logger,
		chat.WithPollInterval(time.Duration(cfg.PollInterval)*time.Second),
		chat.WithReplyFunc(func(sessionID, text string) {
			fmt.Printf("\nAI: %s\nYou: ", text)
		}),
	)
	ctrl.BindCredentialSource(source)

	cleanup := func() {
		ctrl.Close()
		telemetryCleanup()
		if store != nil {
			store.Close()
		}
	}

	return &App{
		logger:     logger,
		authClient: authClient,
		dir:        dir,
		tl:         tl,
		ctrl:       ctrl,
	}, cleanup, nil
}

// Run signs the user in and enters the command loop.
func (a *App) Run() error {
	ctx := context.Background()
	scanner := bufio.NewScanner(os.Stdin)

	fmt.Println("=== Webhook Chat ===")

	if !a.authClient.Restore() {
		if err := a.login(ctx, scanner); err != nil {
			return err
		}
	}

	if err := a.dir.Refresh(ctx); err != nil {
		fmt.Printf("Failed to load sessions: %v\n", err)
	}
	a.printSessions()
	fmt.Println("Type /help for commands, /quit to exit")
	fmt.Println()

	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := a.handleCommand(ctx, scanner, input)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				a.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		if err := a.ctrl.SendMessage(ctx, input); err != nil {
			switch {
			case errors.Is(err, chat.ErrNoSession):
				fmt.Println("No session selected. Use /new or /select <id>.")
			case errors.Is(err, chat.ErrSessionClosed):
				fmt.Println("Session is closed. Chat history is read-only.")
			case errors.Is(err, chat.ErrSendInFlight):
				fmt.Println("Still sending the previous message, hold on.")
			default:
				fmt.Printf("Failed to send message: %v\n", err)
				a.logger.Error("failed to send message", "error", err)
			}
		}
	}

	fmt.Println("Goodbye!")
	return nil
}

func (a *App) login(ctx context.Context, scanner *bufio.Scanner) error {
	fmt.Print("Email: ")
	if !scanner.Scan() {
		return fmt.Errorf("no input")
	}
	email := strings.TrimSpace(scanner.Text())

	fmt.Print("Password: ")
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}

	if err := a.authClient.Login(ctx, email, string(password)); err != nil {
		return err
	}
	fmt.Println("Signed in.")
	return nil
}

// handleCommand handles slash commands; the returned bool requests exit.
func (a *App) handleCommand(ctx context.Context, scanner *bufio.Scanner, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/sessions":
		if err := a.dir.Refresh(ctx); err != nil {
			return false, err
		}
		a.printSessions()
		return false, nil

	case "/new":
		session, err := a.ctrl.CreateAndSelect(ctx)
		if err != nil {
			return false, err
		}
		fmt.Println("Started new session:", session.ID)
		return false, nil

	case "/select":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /select <session-id>")
		}
		session, ok := a.findSession(parts[1])
		if !ok {
			return false, fmt.Errorf("unknown session: %s", parts[1])
		}
		if err := a.ctrl.SelectSession(ctx, session); err != nil {
			fmt.Println("Failed to load chat history. Select the session again to retry.")
			return false, err
		}
		a.printHistory()
		return false, nil

	case "/history":
		a.printHistory()
		return false, nil

	case "/terminate":
		if err := a.ctrl.TerminateSession(ctx); err != nil {
			return false, err
		}
		fmt.Println("Session terminated. Chat history is read-only.")
		return false, nil

	case "/signout":
		a.authClient.SignOut()
		fmt.Println("Signed out.")
		if err := a.login(ctx, scanner); err != nil {
			return false, err
		}
		if err := a.dir.Refresh(ctx); err != nil {
			return false, err
		}
		a.printSessions()
		return false, nil

	case "/help":
		fmt.Println("Available commands:")
		fmt.Println("  /sessions        - List active and closed sessions")
		fmt.Println("  /new             - Create and select a new session")
		fmt.Println("  /select <id>     - Select a session")
		fmt.Println("  /history         - Show the current session's messages")
		fmt.Println("  /terminate       - Terminate the current session")
		fmt.Println("  /signout         - Sign out and log in again")
		fmt.Println("  /quit, /exit     - Exit")
		return false, nil

	default:
		return false, nil
	}
}

func (a *App) findSession(id string) (api.Session, bool) {
	active, closed := a.dir.Sessions()
	for _, s := range active {
		if s.ID == id {
			return s, true
		}
	}
	for _, s := range closed {
		if s.ID == id {
			return s, true
		}
	}
	return api.Session{}, false
}

func (a *App) printSessions() {
	active, closed := a.dir.Sessions()
	fmt.Println("Active sessions:")
	if len(active) == 0 {
		fmt.Println("  (none)")
	}
	for _, s := range active {
		fmt.Printf("  %s  created %s\n", s.ID, s.CreatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Println("Closed sessions:")
	if len(closed) == 0 {
		fmt.Println("  (none)")
	}
	for _, s := range closed {
		fmt.Printf("  %s  created %s\n", s.ID, s.CreatedAt.Format("2006-01-02 15:04"))
	}
}

func (a *App) printHistory() {
	messages := a.tl.Messages()
	if len(messages) == 0 {
		fmt.Println("No messages in this session yet.")
		return
	}
	for _, m := range messages {
		who := "AI"
		if m.Sender == api.SenderUser {
			who = "You"
		}
		fmt.Printf("%s: %s\n", who, m.Text)
	}
	if _, active := a.ctrl.Selected(); !active {
		fmt.Println("Session Closed. Chat history is read-only.")
	}
}
