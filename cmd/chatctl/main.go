package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/logger"
	"github.com/fathima-sithara/messaging-service/internal/syncclient"
	"github.com/joho/godotenv"
)

const help = `commands:
  /list               conversations with unread counts
  /new <user> [...]   start a conversation (direct for one user, group otherwise)
  /open <id>          make a conversation active and show its messages
  /close              leave the active conversation
  /older              load an older page of the active conversation
  /typing             tell the others you are typing
  /quit
anything else is sent to the active conversation`

type cli struct {
	s      *syncclient.Session
	userID string

	mu     sync.Mutex
	active string
}

func (c *cli) current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *cli) setActive(id string) {
	c.mu.Lock()
	c.active = id
	c.mu.Unlock()
}

func main() {
	_ = godotenv.Load()
	server := flag.String("server", envOr("CHAT_SERVER", "http://localhost:8080"), "service base URL")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "bearer token")
	user := flag.String("user", os.Getenv("CHAT_USER"), "your user id, used to label your own messages")
	verbose := flag.Bool("v", false, "log connection changes")
	flag.Parse()
	if *token == "" {
		log.Fatal("a token is required (-token or CHAT_TOKEN)")
	}

	sugar := logger.Nop()
	if *verbose {
		l, err := logger.New(logger.Config{Development: true, Level: "info"})
		if err != nil {
			log.Fatalf("failed to build logger: %v", err)
		}
		sugar = l
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := syncclient.NewSession(syncclient.Options{BaseURL: *server, Token: *token, UserID: *user, Logger: sugar})
	if err := s.Start(ctx); err != nil {
		log.Fatalf("failed to load conversations: %v", err)
	}
	defer s.Shutdown()

	c := &cli{s: s, userID: *user}
	go c.watch(ctx)

	fmt.Println(help)
	c.printList()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !c.exec(ctx, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (c *cli) exec(ctx context.Context, line string) bool {
	if line == "" {
		return true
	}
	active := c.current()
	if !strings.HasPrefix(line, "/") {
		if active == "" {
			fmt.Println("no active conversation, use /open <id>")
			return true
		}
		if _, err := c.s.Send(ctx, active, line, domain.MessageText); err != nil {
			fmt.Printf("! not sent: %v\n", err)
		}
		_ = c.s.SetTyping(active, false)
		return true
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return false
	case "/list":
		if err := c.s.RefreshConversations(ctx); err != nil {
			fmt.Printf("! %v\n", err)
		}
		c.printList()
	case "/new":
		if len(fields) < 2 {
			fmt.Println("usage: /new <user> [...]")
			return true
		}
		typ := domain.ConversationDirect
		if len(fields) > 2 {
			typ = domain.ConversationGroup
		}
		conv, err := c.s.API().CreateConversation(ctx, fields[1:], typ, "")
		if err != nil {
			fmt.Printf("! %v\n", err)
			return true
		}
		c.open(ctx, conv.ID)
	case "/open":
		if len(fields) != 2 {
			fmt.Println("usage: /open <id>")
			return true
		}
		c.open(ctx, fields[1])
	case "/close":
		if active != "" {
			c.s.Close(active)
			c.setActive("")
		}
	case "/older":
		if active == "" {
			return true
		}
		n, err := c.s.LoadOlder(ctx, active, 20)
		if err != nil {
			fmt.Printf("! %v\n", err)
			return true
		}
		fmt.Printf("loaded %d older messages\n", n)
		c.printMessages()
	case "/typing":
		if active != "" {
			_ = c.s.SetTyping(active, true)
		}
	default:
		fmt.Println(help)
	}
	return true
}

func (c *cli) open(ctx context.Context, id string) {
	if prev := c.current(); prev != "" && prev != id {
		c.s.Close(prev)
	}
	if err := c.s.Open(ctx, id); err != nil {
		fmt.Printf("! %v\n", err)
		return
	}
	c.setActive(id)
	c.printMessages()
}

func (c *cli) printList() {
	list := c.s.Conversations()
	fmt.Printf("-- %d conversations, %d unread\n", len(list.Conversations), list.TotalUnread)
	for _, conv := range list.Conversations {
		var others []string
		for _, p := range conv.Participants {
			if p.UserID != c.userID {
				others = append(others, p.UserID)
			}
		}
		name := conv.Title
		if name == "" {
			name = strings.Join(others, ", ")
		}
		preview := ""
		if conv.LastMessage != nil {
			preview = conv.LastMessage.Content
		}
		fmt.Printf("%s  %-24s %3d  %s\n", conv.ID, name, conv.UnreadCount, preview)
	}
}

func (c *cli) printMessages() {
	for _, m := range c.s.Messages(c.current()) {
		fmt.Println(formatMessage(m, c.userID))
	}
}

func formatMessage(m domain.Message, self string) string {
	who := m.SenderID
	if who == self {
		who = "you"
	}
	text := m.Content
	switch {
	case m.IsDeleted:
		text = "(deleted)"
	case m.IsEdited:
		text += " (edited)"
	}
	status := ""
	if m.SenderID == self {
		status = " [" + string(m.Status) + "]"
	}
	return fmt.Sprintf("%s %s: %s%s", m.CreatedAt.Local().Format("15:04"), who, text, status)
}

func (c *cli) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.s.Events():
			active := c.current()
			switch ev.Kind {
			case syncclient.EventConnected:
				fmt.Println("* connected")
			case syncclient.EventDisconnected:
				fmt.Println("* connection lost, polling until it is back")
			case syncclient.EventTyping:
				if ev.ConversationID == active {
					if typing := c.s.Typing(active); len(typing) > 0 {
						fmt.Printf("* %s typing...\n", strings.Join(typing, ", "))
					}
				}
			case syncclient.EventPresence:
				if p, ok := c.s.Presence(ev.UserID); ok && ev.UserID != "" {
					state := "offline"
					if p.Online {
						state = "online"
					}
					fmt.Printf("* %s is %s\n", ev.UserID, state)
				}
			case syncclient.EventNotification:
				fmt.Printf("* %s: %s\n", ev.Notification.Title, ev.Notification.Body)
			case syncclient.EventError:
				fmt.Printf("! server: %s\n", ev.Error.Message)
			case syncclient.EventMessages:
				if ev.ConversationID == active {
					msgs := c.s.Messages(active)
					if len(msgs) > 0 {
						fmt.Println(formatMessage(msgs[len(msgs)-1], c.userID))
					}
				}
			}
		}
	}
}
