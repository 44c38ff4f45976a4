package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"segchat/internal/client"
	"segchat/internal/core/domain"
)

const helpText = `commands:
  <text>                 post to the current channel
  /switch <channel>      change the current channel
  /channels              list known channels
  /create <channel>      create a channel
  /history               show the current channel
  /delete <message-id>   delete a message
  /peers                 list announced peers
  /connect               open links to every listed peer
  /broadcast <text>      send directly to connected peers
  /dm <host:port> <text> send directly to one peer
  /online | /offline | /invisible
  /live start | /live stop
  /quit`

type command struct {
	name string
	args []string
	rest string
}

// parseCommand splits a slash command into its name and arguments. Plain
// text comes back as a "say" command.
func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{name: "say", rest: line}
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	return command{name: strings.ToLower(name), args: strings.Fields(rest), rest: rest}
}

type repl struct {
	in  io.Reader
	out io.Writer

	mu      sync.Mutex
	channel string
}

func newREPL(in io.Reader, out io.Writer) *repl {
	return &repl{in: in, out: out, channel: domain.DefaultChannel}
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *repl) current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel
}

func (r *repl) showEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventMessage, client.EventChat:
		if ev.Message != nil {
			r.printf("[%s] %s: %s\n", ev.Channel, ev.Message.Sender, ev.Message.Body)
		}
	case client.EventDelete:
		r.printf("[%s] message deleted\n", ev.Channel)
	default:
		if ev.Text != "" {
			r.printf("* %s\n", ev.Text)
		}
	}
}

func (r *repl) run(ctx context.Context, node *client.Node) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			cmd := parseCommand(line)
			if cmd.name == "quit" {
				return
			}
			reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			if err := r.execute(reqCtx, node, cmd); err != nil {
				r.printf("error: %v\n", err)
			}
			cancel()
		}
	}
}

func (r *repl) execute(ctx context.Context, node *client.Node, cmd command) error {
	channel := r.current()

	switch cmd.name {
	case "say":
		_, err := node.Send(ctx, channel, cmd.rest)
		return err
	case "switch":
		if len(cmd.args) != 1 {
			return fmt.Errorf("usage: /switch <channel>")
		}
		r.mu.Lock()
		r.channel = cmd.args[0]
		r.mu.Unlock()
		r.printf("now in %s\n", cmd.args[0])
	case "channels":
		r.printf("%s\n", strings.Join(node.RefreshChannels(ctx), ", "))
	case "create":
		if len(cmd.args) != 1 {
			return fmt.Errorf("usage: /create <channel>")
		}
		return node.CreateChannel(ctx, cmd.args[0])
	case "history":
		msgs, err := node.History(ctx, channel)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.Deleted {
				continue
			}
			r.printf("%s %s: %s  (%s)\n", m.Timestamp.Local().Format("15:04:05"), m.Sender, m.Body, m.ID)
		}
	case "delete":
		if len(cmd.args) != 1 {
			return fmt.Errorf("usage: /delete <message-id>")
		}
		return node.DeleteMessage(ctx, channel, cmd.args[0])
	case "peers":
		peers, err := node.Peers(ctx)
		if err != nil {
			return err
		}
		for _, p := range peers {
			r.printf("%s %s online=%t\n", p.Username, p.Endpoint, p.Online)
		}
	case "connect":
		n, err := node.ConnectToPeers(ctx)
		if err != nil {
			return err
		}
		r.printf("connected to %d peers\n", n)
	case "broadcast":
		n, err := node.Broadcast(ctx, channel, cmd.rest)
		if err != nil {
			return err
		}
		r.printf("sent to %d peers\n", n)
	case "dm":
		if len(cmd.args) < 2 {
			return fmt.Errorf("usage: /dm <host:port> <text>")
		}
		ep, err := domain.ParseEndpoint(cmd.args[0])
		if err != nil {
			return err
		}
		body := strings.TrimSpace(strings.TrimPrefix(cmd.rest, cmd.args[0]))
		return node.SendToPeer(ctx, ep, channel, body)
	case "online":
		return node.GoOnline(ctx)
	case "offline":
		return node.GoOffline(ctx)
	case "invisible":
		return node.GoInvisible(ctx)
	case "live":
		if len(cmd.args) != 1 {
			return fmt.Errorf("usage: /live start|stop")
		}
		switch cmd.args[0] {
		case "start":
			primary, err := node.StartLivestream(ctx, channel)
			if err != nil {
				return err
			}
			r.printf("streaming in %s (primary=%t)\n", channel, primary)
		case "stop":
			return node.StopLivestream(ctx, channel)
		default:
			return fmt.Errorf("usage: /live start|stop")
		}
	case "help":
		r.printf("%s\n", helpText)
	default:
		return fmt.Errorf("unknown command /%s, try /help", cmd.name)
	}
	return nil
}
