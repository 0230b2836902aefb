package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/session"
)

type command struct {
	usage  string
	method string
	args   []string // names of the positional arguments
	rest   bool     // the last argument takes all remaining words
}

var commands = map[string]command{
	"status":        {usage: "status", method: "GetStatus"},
	"login":         {usage: "login <user> <password>", method: "Login", args: []string{"user_id", "password"}},
	"logout":        {usage: "logout", method: "Logout"},
	"connect":       {usage: "connect", method: "Connect"},
	"disconnect":    {usage: "disconnect", method: "Disconnect"},
	"send":          {usage: "send <conversation> <text...>", method: "SendMessage", args: []string{"conversation_id", "text"}, rest: true},
	"read":          {usage: "read <conversation> <message>", method: "MarkRead", args: []string{"conversation_id", "message_id"}},
	"presence":      {usage: "presence <online|offline|away>", method: "SetPresence", args: []string{"status"}},
	"delete":        {usage: "delete <conversation> <message>", method: "DeleteMessage", args: []string{"conversation_id", "message_id"}},
	"retry":         {usage: "retry <message>", method: "RetryMessage", args: []string{"message_id"}},
	"conversations": {usage: "conversations", method: "ListConversations"},
	"show":          {usage: "show <conversation>", method: "GetConversation", args: []string{"conversation_id"}},
	"fetch":         {usage: "fetch <conversation>", method: "SyncConversation", args: []string{"conversation_id"}},
	"whois":         {usage: "whois <user>", method: "GetPresence", args: []string{"user_id"}},
}

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := api.NewClient(session.SocketPath(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	switch args[0] {
	case "watch":
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdWatch(c, prefix, *jsonFlag)
		return
	case "typing":
		if len(args) != 3 || (args[2] != "on" && args[2] != "off") {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl typing <conversation> <on|off>")
			os.Exit(1)
		}
		call(c, "SetTyping", map[string]any{"conversation_id": args[1], "typing": args[2] == "on"}, *jsonFlag)
		return
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	req, err := cmd.request(args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "usage: chatsyncctl %s\n", cmd.usage)
		os.Exit(1)
	}
	call(c, cmd.method, req, *jsonFlag)
}

func (cmd command) request(words []string) (map[string]any, error) {
	if len(words) < len(cmd.args) || (!cmd.rest && len(words) > len(cmd.args)) {
		return nil, fmt.Errorf("wrong number of arguments")
	}
	req := make(map[string]any, len(cmd.args))
	for i, name := range cmd.args {
		if cmd.rest && i == len(cmd.args)-1 {
			req[name] = strings.Join(words[i:], " ")
			break
		}
		req[name] = words[i]
	}
	return req, nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	for _, name := range []string{"status", "login", "logout", "connect", "disconnect", "send", "read", "presence", "delete", "retry", "conversations", "show", "fetch", "whois"} {
		fmt.Fprintf(os.Stderr, "  %s\n", commands[name].usage)
	}
	fmt.Fprintln(os.Stderr, "  typing <conversation> <on|off>")
	fmt.Fprintln(os.Stderr, "  watch [topic-prefix]")
}

func call(c *api.Client, method string, req map[string]any, jsonOut bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := c.Call(ctx, method, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	printPlain(resp)
}

func cmdWatch(c *api.Client, prefix string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	stream, err := c.Watch(ctx, prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	for {
		evt, err := stream.Recv()
		if err != nil {
			if ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			return
		}
		m := evt.AsMap()
		if jsonOut {
			outputJSON(m)
			continue
		}
		fmt.Printf("%s  %-28s %s\n", time.UnixMilli(int64(num(m["occurred_at_unix_ms"]))).Format(time.TimeOnly), m["kind"], m["topic"])
	}
}

func num(v any) float64 {
	f, _ := v.(float64)
	return f
}

func printPlain(resp map[string]any) {
	if convs, ok := resp["conversations"].([]any); ok {
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return
		}
		for _, raw := range convs {
			c, _ := raw.(map[string]any)
			preview := ""
			if last, ok := c["last_message"].(map[string]any); ok {
				preview, _ = last["text"].(string)
			}
			fmt.Printf("%-24s unread=%-4.0f %s\n", c["id"], num(c["unread_count"]), preview)
		}
		return
	}
	if msgs, ok := resp["messages"].([]any); ok {
		for _, raw := range msgs {
			m, _ := raw.(map[string]any)
			if deleted, _ := m["deleted"].(bool); deleted {
				continue
			}
			fmt.Printf("[%-9s] %s: %s  (%s)\n", m["status"], m["sender_id"], m["text"], m["id"])
		}
		return
	}
	for k, v := range resp {
		fmt.Printf("%s: %v\n", k, v)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
