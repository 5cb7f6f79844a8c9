// ABOUTME: Terminal client for marketplace conversations with live push delivery
// ABOUTME: Lists threads with unread badges, opens one, sends texts and price offers

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/vendora/marketchat/internal/config"
	"github.com/vendora/marketchat/internal/gateway"
	"github.com/vendora/marketchat/internal/identity"
	"github.com/vendora/marketchat/internal/readsync"
	"github.com/vendora/marketchat/internal/reconcile"
	"github.com/vendora/marketchat/internal/transport"
	"github.com/vendora/marketchat/internal/unread"
)

var (
	mine   = color.New(color.FgGreen)
	theirs = color.New(color.FgBlue)
	badge  = color.New(color.FgYellow, color.Bold)
	faint  = color.New(color.Faint)
)

// defaultConfigPath returns the XDG-style config file location.
func defaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "marketchat", "config.yaml")
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "Config file path")
	credsPath := flag.String("credentials", identity.DefaultPath(), "Credentials file path")
	userID := flag.String("user", "", "Override the local user id")
	token := flag.String("token", "", "Override the bearer credential")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *credsPath, *userID, *token); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

// loadIdentity builds the identity provider, letting flags override the
// credentials file.
func loadIdentity(credsPath, userID, token string) (identity.Provider, error) {
	if userID != "" || token != "" {
		return identity.Static{ID: userID, BearerToken: token}, nil
	}
	return identity.Load(credsPath)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// app bundles the wired components plus the currently open conversation.
type app struct {
	cfg      *config.Config
	self     identity.Provider
	gw       *gateway.Client
	push     *transport.Client
	agg      *unread.Aggregator
	syncer   *readsync.Syncer
	logger   *slog.Logger
	session  *reconcile.Session
	openConv *gateway.Conversation
}

func run(ctx context.Context, configPath, credsPath, userID, token string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	self, err := loadIdentity(credsPath, userID, token)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	logger := newLogger(cfg.Logging.Level)
	a := &app{
		cfg:    cfg,
		self:   self,
		gw:     gateway.New(cfg.Gateway.BaseURL, self, cfg.Gateway.Timeout, logger),
		push:   transport.New(cfg.Broker.URL, self, cfg.Broker.ReconnectDelay, logger),
		logger: logger,
	}
	a.agg = unread.New(a.gw, logger)
	a.syncer = readsync.New(a.gw, a.agg, logger)

	// The screen owns the subscription; tear it down on every exit path.
	defer a.closeConversation()
	defer a.agg.Close()

	// Login-time refresh; a failure only leaves the badge at zero.
	if err := a.agg.Refresh(ctx); err != nil {
		logger.Warn("initial unread refresh failed", "error", err)
	}

	// Print badge changes as they are published.
	updates, _ := a.agg.Subscribe(ctx)
	go func() {
		for count := range updates {
			if count > 0 {
				badge.Printf("[%d unread conversation(s)]\n", count)
			}
		}
	}()

	fmt.Printf("marketchat — signed in as %s\n", self.UserID())
	fmt.Println("Type a message to the open conversation. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	return a.loop(ctx)
}

// loop is the interactive prompt, reading lines with context awareness.
func (a *app) loop(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		if a.openConv != nil {
			fmt.Printf("[%s]> ", a.openConv.DisplayName)
		} else {
			fmt.Print("> ")
		}

		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}
		if err := a.handle(ctx, input); err != nil {
			fmt.Printf("[error] %v\n", err)
		}
		fmt.Println()
	}
}

func (a *app) handle(ctx context.Context, input string) error {
	switch {
	case input == "/help":
		printHelp()
		return nil
	case input == "/list":
		return a.listConversations(ctx)
	case input == "/unread":
		fmt.Printf("%d unread conversation(s)\n", a.agg.Current())
		return nil
	case strings.HasPrefix(input, "/open"):
		id := strings.TrimSpace(strings.TrimPrefix(input, "/open"))
		if id == "" {
			return fmt.Errorf("usage: /open <conversation-id>")
		}
		return a.openConversation(ctx, id)
	case input == "/close":
		a.closeConversation()
		fmt.Println("Conversation closed")
		return nil
	case strings.HasPrefix(input, "/offer"):
		raw := strings.TrimSpace(strings.TrimPrefix(input, "/offer"))
		price, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("usage: /offer <price>")
		}
		return a.send(ctx, fmt.Sprintf("Offer: %.2f", price), &price)
	case strings.HasPrefix(input, "/delete"):
		id := strings.TrimSpace(strings.TrimPrefix(input, "/delete"))
		if id == "" {
			return fmt.Errorf("usage: /delete <conversation-id>")
		}
		return a.deleteConversation(ctx, id)
	case strings.HasPrefix(input, "/"):
		return fmt.Errorf("unknown command %q, try /help", input)
	default:
		return a.send(ctx, input, nil)
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /list           List conversations (unread ones highlighted)")
	fmt.Println("  /open <id>      Open a conversation and subscribe to live messages")
	fmt.Println("  /close          Close the open conversation")
	fmt.Println("  /offer <price>  Send a price offer to the open conversation")
	fmt.Println("  /delete <id>    Delete a conversation")
	fmt.Println("  /unread         Show the unread-conversation count")
	fmt.Println("  /help           Show this help")
	fmt.Println("  /quit           Exit")
	fmt.Println("Anything else is sent as a message to the open conversation.")
}

func (a *app) listConversations(ctx context.Context) error {
	conversations, err := a.gw.ListConversations(ctx)
	if err != nil {
		return err
	}

	// The list screen gaining focus is an unread-refresh trigger; keep the
	// badge in step with the counts just fetched.
	if err := a.agg.Refresh(ctx); err != nil {
		a.logger.Warn("unread refresh failed", "error", err)
	}

	if len(conversations) == 0 {
		fmt.Println("No conversations yet")
		return nil
	}

	for _, c := range conversations {
		line := fmt.Sprintf("  %s  %s — %s (%s)", c.ID, c.DisplayName, c.LastMessage, c.LastMessageAt)
		if c.UnreadCount > 0 {
			badge.Printf("%s [%d]\n", line, c.UnreadCount)
		} else {
			fmt.Println(line)
		}
	}
	return nil
}

// openConversation loads history and the linked product card, connects the
// push channel, and marks the thread read. Any previously open
// conversation is torn down first.
func (a *app) openConversation(ctx context.Context, id string) error {
	conv, err := a.gw.GetConversation(ctx, id)
	if err != nil {
		return err
	}

	a.closeConversation()

	session := reconcile.NewSession(id, a.self.UserID(), a.gw, a.push, a.logger)
	session.OnInbound(func(msg gateway.Message) {
		fmt.Println()
		theirs.Printf("%s: %s\n", conv.DisplayName, formatMessage(msg))
		// A push while the screen is active re-arms the read state.
		a.syncer.MarkRead(ctx, id)
	})

	if err := session.Open(ctx); err != nil {
		session.Close()
		return err
	}

	a.session = session
	a.openConv = conv

	// The product card degrades silently; the conversation still opens.
	if conv.ProductID != "" {
		if product, err := a.gw.GetProduct(ctx, conv.ProductID); err == nil {
			faint.Printf("— %s, %.2f —\n", product.Title, product.Price)
		} else {
			a.logger.Warn("product lookup failed", "product_id", conv.ProductID, "error", err)
		}
	}

	for _, msg := range session.Messages() {
		printMessage(conv.DisplayName, msg)
	}

	a.push.Connect(id, session.HandleFrame)
	a.syncer.MarkRead(ctx, id)
	return nil
}

// closeConversation tears down the subscription and session. Safe when
// nothing is open.
func (a *app) closeConversation() {
	a.push.Disconnect()
	if a.session != nil {
		a.session.Close()
		a.session = nil
	}
	a.openConv = nil
}

func (a *app) send(ctx context.Context, content string, offerPrice *float64) error {
	if a.session == nil {
		return fmt.Errorf("no open conversation, use /open <id>")
	}
	return a.session.Send(ctx, content, offerPrice)
}

func (a *app) deleteConversation(ctx context.Context, id string) error {
	if a.openConv != nil && a.openConv.ID == id {
		a.closeConversation()
	}
	if err := a.gw.DeleteConversation(ctx, id); err != nil {
		return err
	}
	fmt.Println("Deleted", id)
	if err := a.agg.Refresh(ctx); err != nil {
		a.logger.Warn("unread refresh failed", "error", err)
	}
	return nil
}

func formatMessage(msg gateway.Message) string {
	if msg.OfferPrice != nil {
		return fmt.Sprintf("%s [offer: %.2f]", msg.Content, *msg.OfferPrice)
	}
	return msg.Content
}

func printMessage(displayName string, msg gateway.Message) {
	if msg.IsFromMe {
		mine.Printf("me: %s\n", formatMessage(msg))
	} else {
		theirs.Printf("%s: %s\n", displayName, formatMessage(msg))
	}
}
