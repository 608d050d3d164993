package main

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/omochice/dealroom-chat/internal/client"
	"github.com/omochice/dealroom-chat/internal/config"
	"github.com/omochice/dealroom-chat/internal/logger"
	"github.com/omochice/dealroom-chat/internal/session"
	"github.com/omochice/dealroom-chat/internal/store"
	"github.com/spf13/pflag"
)

const help = `Commands:
  /join <id>   select a conversation
  /leave       leave the selected conversation
  /list        list conversations with unread counts
  /read        mark the selected conversation read
  /quit        exit
Anything else is sent to the selected conversation.`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, envFile, userID, userName, token, url, conversation string

	flagSet := pflag.NewFlagSet("dealroom-chat", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flagSet.StringVarP(&userID, "user", "u", "", "user id to authenticate as (required)")
	flagSet.StringVarP(&userName, "name", "n", "", "display name shown to other participants")
	flagSet.StringVar(&token, "token", "", "session token sent with authenticate")
	flagSet.StringVar(&url, "url", "", "relay websocket URL (overrides config and CHAT_WEBSOCKET_URL)")
	flagSet.StringVar(&conversation, "conversation", "", "conversation to select on start")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if userID == "" {
		return errors.New("--user is required")
	}

	envErr := godotenv.Load(envFile)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if url != "" {
		cfg.Client.URL = url
	}

	log := logger.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		log.Warn("env_file_not_loaded", "path", envFile, "error", envErr)
	}

	transport := client.New(client.Options{
		URL:            cfg.Client.URL,
		UserName:       userName,
		MaxAttempts:    cfg.Client.MaxAttempts,
		ReconnectDelay: cfg.Client.ReconnectDelay,
		Logger:         log,
	})
	orch := session.New(transport, session.Options{
		TypingStopDelay: cfg.Client.TypingStopDelay,
		TypingTTL:       cfg.Client.TypingTTL,
		Logger:          log,
	})

	v := newView(orch)
	defer orch.OnChange(v.render)()

	if err := orch.Initialize(userID, token); err != nil {
		return err
	}
	defer orch.Teardown()

	if conversation != "" {
		orch.Select(conversation)
	}

	fmt.Println(help)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if sel := orch.Selected(); sel == "" {
				fmt.Println("*** no conversation selected, use /join <id> ***")
			} else if !orch.Send(sel, line) {
				fmt.Printf("*** %s ***\n", orch.Error())
				orch.ClearError()
			}
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "/join":
			if arg = strings.TrimSpace(arg); arg == "" {
				fmt.Println("*** usage: /join <id> ***")
				continue
			}
			orch.Select(arg)
		case "/leave":
			if sel := orch.Selected(); sel != "" {
				orch.Leave(sel)
			}
		case "/list":
			for _, c := range orch.Conversations() {
				fmt.Printf("  %-20s unread=%d  %s\n", c.ID, c.UnreadCount, c.LastMessageText)
			}
		case "/read":
			if sel := orch.Selected(); sel != "" {
				msgs := orch.Messages(sel)
				last := ""
				if len(msgs) > 0 {
					last = msgs[len(msgs)-1].ID
				}
				orch.MarkRead(sel, last)
			}
		case "/quit", "/exit":
			return nil
		default:
			fmt.Println(help)
		}
	}
	return scanner.Err()
}

// view prints what changed in the session since the last render.
type view struct {
	orch *session.Orchestrator

	mu      sync.Mutex
	printed map[string]int
	typing  string
	state   client.State
	errMsg  string
}

func newView(orch *session.Orchestrator) *view {
	return &view{orch: orch, printed: make(map[string]int)}
}

func (v *view) render() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s := v.orch.ConnectionState(); s != v.state {
		v.state = s
		fmt.Printf("*** %s ***\n", s)
	}
	if e := v.orch.Error(); e != "" && e != v.errMsg {
		fmt.Printf("*** %s ***\n", e)
	}
	v.errMsg = v.orch.Error()

	sel := v.orch.Selected()
	if sel == "" {
		return
	}
	msgs := v.orch.Messages(sel)
	for _, m := range msgs[min(v.printed[sel], len(msgs)):] {
		who := m.SenderName
		if m.Sender == store.SenderSelf {
			who = "you"
		}
		fmt.Printf("[%s] %s: %s\n", sel, who, m.Text)
	}
	v.printed[sel] = len(msgs)

	typing := strings.Join(v.orch.TypingUsers(sel), ", ")
	if typing != v.typing {
		v.typing = typing
		if typing != "" {
			fmt.Printf("*** %s typing... ***\n", typing)
		}
	}
}
