package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"nutrichat/internal/client"
	"nutrichat/internal/config"
	"nutrichat/internal/inbox"
	"nutrichat/internal/models"
	"nutrichat/internal/notify"
	"nutrichat/internal/realtime"
	"nutrichat/internal/session"
	"nutrichat/internal/view"
)

func setupLogger(w io.Writer, prefix string) *log.Logger {
	return log.New(w, prefix, log.LstdFlags|log.Lshortfile)
}

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := setupLogger(logFile, "[MAIN] ")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := client.New(cfg.APIURL, nil,
		client.WithTimeout(cfg.RequestTimeout),
		client.WithLogger(setupLogger(logFile, "[CLIENT] ")),
	)

	token := cfg.Token
	if token == "" {
		resp, err := base.Login(ctx, cfg.Username, cfg.Password)
		if client.IsAuth(err) {
			fmt.Fprintln(os.Stderr, "login failed: wrong username or password")
			os.Exit(1)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
			os.Exit(1)
		}
		token = resp.Token
	}

	sess, err := session.New(token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid token: %v\n", err)
		os.Exit(1)
	}
	if sess.Expired(time.Now()) {
		fmt.Fprintln(os.Stderr, "token has expired, log in again")
		os.Exit(1)
	}
	logger.Printf("Session for user %d (%s), expires %s", sess.UserID(), sess.Role(), sess.ExpiresAt())

	// program is set before the inbox starts polling, so the bell never sees nil.
	var program *tea.Program
	var effects []notify.Effect
	if cfg.Bell {
		effects = append(effects, notify.NewBell(view.BellOutput(func(msg tea.Msg) {
			program.Send(msg)
		})))
	}

	ib := inbox.New(base.WithSession(sess), sess, inbox.Intervals{
		Conversations: cfg.ConversationInterval,
		Messages:      cfg.MessageInterval,
		Notifications: cfg.NotificationInterval,
	}, setupLogger(logFile, "[SYNC] "), effects...)

	name := sess.Name()
	if name == "" {
		name = cfg.Username
	}
	model := view.New(ctx, ib, sess.UserID(), name, sess.Role() == models.RoleNutritionist)
	program = tea.NewProgram(model, tea.WithAltScreen())

	ib.Start(ctx)
	defer ib.Stop()

	if cfg.RealtimeURL != "" {
		sub := realtime.NewSubscriber(cfg.RealtimeURL, sess, ib, setupLogger(logFile, "[REALTIME] "))
		go func() {
			if err := sub.Run(ctx); err != nil {
				logger.Printf("Realtime updates stopped: %v", err)
			}
		}()
	}

	final, err := program.Run()
	if err != nil {
		logger.Printf("Program error: %v", err)
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if m, ok := final.(view.Model); ok && m.Ended() != nil {
		fmt.Fprintf(os.Stderr, "session ended: %v\n", m.Ended())
		os.Exit(1)
	}
}
