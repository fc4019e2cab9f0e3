// chat-client is a line-oriented terminal front end for the client engine.
// It signs in (or resumes the saved session), then reads commands from
// stdin. Anything that is not a command is sent to the selected room.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/pflag"

	"go-chat-client/internal/app"
	"go-chat-client/internal/chaterr"
	"go-chat-client/internal/config"
	"go-chat-client/internal/contacts"
	"go-chat-client/internal/rooms"
	"go-chat-client/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	var email, password, username string
	var signup bool
	flagSet := pflag.NewFlagSet("chat-client", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.APIURL, "api", cfg.APIURL, "chat API root URL")
	flagSet.StringVar(&cfg.Store, "store", cfg.Store, "snapshot store: memory, sqlite or redis")
	flagSet.StringVarP(&email, "email", "e", "", "sign in with this email")
	flagSet.StringVarP(&password, "password", "p", "", "password for --email")
	flagSet.BoolVar(&signup, "signup", false, "register a new account instead of signing in")
	flagSet.StringVarP(&username, "username", "u", "", "username for --signup")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.Level(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	wsURL, err := cfg.WebsocketURL()
	if err != nil {
		return err
	}
	store, err := cfg.OpenStore(ctx)
	if err != nil {
		return err
	}
	client, err := app.New(app.Config{
		APIURL:       cfg.APIURL,
		WebsocketURL: wsURL,
		HTTPClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		Store:        store,
		Logger:       logger,
	})
	if err != nil {
		store.Close()
		return err
	}
	defer client.Close()

	printer := newPrinter(client)
	client.Rooms.OnChange(printer.roomsChanged)

	switch {
	case signup:
		_, err = client.Signup(ctx, session.Registration{
			Username:        username,
			Email:           email,
			Password:        password,
			ConfirmPassword: password,
		})
	case email != "":
		_, err = client.Login(ctx, session.Credentials{Email: email, Password: password})
	default:
		var ok bool
		ok, err = client.Restore(ctx)
		if err == nil && !ok {
			return errors.New("no saved session; sign in with --email and --password")
		}
		if err == nil {
			err = client.Sync(ctx)
		}
	}
	if err != nil {
		return describe(err)
	}
	if user, ok := client.User(); ok {
		fmt.Printf("signed in as %s <%s>\n", user.Username, user.Email)
	}
	printer.printRooms()

	return repl(ctx, client, printer)
}

func repl(ctx context.Context, client *app.App, printer *printer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := execute(ctx, client, printer, strings.TrimSpace(line))
			if err != nil {
				fmt.Println("!", describe(err))
			}
			if quit {
				return nil
			}
		}
	}
}

func execute(ctx context.Context, client *app.App, printer *printer, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := client.SendToSelected(ctx, line)
		return false, err
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true, nil
	case "/logout":
		client.Logout(ctx)
		return true, nil
	case "/sync":
		if err := client.Sync(ctx); err != nil {
			return false, err
		}
		printer.printRooms()
	case "/rooms":
		printer.printRooms()
	case "/contacts":
		for _, contact := range client.Contacts.Contacts() {
			fmt.Printf("  %d  %s <%s>\n", contact.ID, contact.Name, contact.Email)
		}
	case "/add":
		if len(fields) < 3 {
			return false, errors.New("usage: /add <email> <name>")
		}
		contact, err := client.Contacts.Add(ctx, contacts.NewContact{
			Email: fields[1],
			Name:  strings.Join(fields[2:], " "),
		})
		if err != nil {
			return false, err
		}
		fmt.Printf("added %s (%d)\n", contact.Name, contact.ID)
	case "/open":
		ids, err := atois(fields[1:])
		if err != nil || len(ids) == 0 {
			return false, errors.New("usage: /open <contact id>...")
		}
		room, err := client.CreateRoom(ctx, ids...)
		if err != nil {
			return false, err
		}
		client.SelectRoom(room.ID)
		printer.printRoom(room)
	case "/room":
		ids, err := atois(fields[1:])
		if err != nil || len(ids) != 1 {
			return false, errors.New("usage: /room <id>")
		}
		if !client.SelectRoom(ids[0]) {
			return false, fmt.Errorf("no room %d", ids[0])
		}
		room, _ := client.Rooms.Selected()
		printer.printRoom(room)
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}

// printer writes new messages and status changes as they are committed.
type printer struct {
	client *app.App

	mu   sync.Mutex
	seen map[[2]int]rooms.Status
}

func newPrinter(client *app.App) *printer {
	return &printer{client: client, seen: make(map[[2]int]rooms.Status)}
}

func (p *printer) roomsChanged(all []rooms.Room) {
	self, _ := p.client.Session.UserID()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, room := range all {
		for _, message := range room.Messages {
			key := [2]int{room.ID, message.ID}
			previous, known := p.seen[key]
			p.seen[key] = message.Status
			switch {
			case !known && message.SenderID != self:
				fmt.Printf("[room %d] %d: %s\n", room.ID, message.SenderID, message.Text)
			case known && previous != message.Status && message.SenderID == self:
				fmt.Printf("[room %d] #%d %s\n", room.ID, message.ID, message.Status)
			}
		}
	}
}

func (p *printer) printRooms() {
	all := p.client.Rooms.Rooms()
	if len(all) == 0 {
		fmt.Println("no rooms yet; /add a contact and /open a room")
		return
	}
	p.mu.Lock()
	for _, room := range all {
		for _, message := range room.Messages {
			p.seen[[2]int{room.ID, message.ID}] = message.Status
		}
	}
	p.mu.Unlock()
	for _, room := range all {
		names := make([]string, 0, len(room.Participants))
		for _, participant := range room.Participants {
			names = append(names, participant.Name)
		}
		fmt.Printf("  room %d: %s (%d messages)\n", room.ID, strings.Join(names, ", "), len(room.Messages))
	}
}

func (p *printer) printRoom(room rooms.Room) {
	fmt.Printf("-- room %d --\n", room.ID)
	for _, message := range room.Messages {
		fmt.Printf("  #%d %d: %s [%s]\n", message.ID, message.SenderID, message.Text, message.Status)
	}
}

func atois(values []string) ([]int, error) {
	ids := make([]int, 0, len(values))
	for _, value := range values {
		id, err := strconv.Atoi(value)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// describe turns engine errors into something a person can act on.
func describe(err error) error {
	var validation *chaterr.ValidationError
	switch {
	case errors.As(err, &validation):
		return validation
	case chaterr.IsAuth(err):
		return fmt.Errorf("not signed in or credentials rejected: %w", err)
	case chaterr.IsNetwork(err):
		return fmt.Errorf("server unreachable: %w", err)
	default:
		return err
	}
}
