package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/zigzag/zzchat/model"
)

func main() {
	server := pflag.StringP("server", "s", "http://localhost:8999", "chat server base URL")
	token := pflag.StringP("token", "t", os.Getenv("ZZCHAT_TOKEN"), "session token (default $ZZCHAT_TOKEN)")
	register := pflag.Bool("register", false, "request a new anonymous identity before connecting")
	history := pflag.Int("history", 50, "messages to load on start")
	pflag.Parse()

	if err := run(*server, *token, *register, *history); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(server, token string, register bool, history int) error {
	net, err := NewNetwork(server, token)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if register {
		reg, err := net.Register(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Registered as %s. Keep this token, it is shown only once:\n%s\n", reg.Alias, reg.Token)
	}
	if net.token == "" {
		return fmt.Errorf("no session token: pass --token or --register")
	}

	self, err := net.Me(ctx)
	if err != nil {
		return err
	}
	msgs, err := net.History(ctx, model.GlobalRoom, history)
	if err != nil {
		return err
	}
	if err := net.Connect(ctx); err != nil {
		return err
	}
	defer net.Close()

	p := tea.NewProgram(initialModel(net, self, msgs), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
