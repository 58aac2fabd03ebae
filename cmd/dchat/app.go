package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eljojo/dchat"
	"github.com/eljojo/dchat/blobstore"
	"github.com/eljojo/dchat/config"
	"github.com/eljojo/dchat/ledger"
	"github.com/eljojo/dchat/types"
	"github.com/eljojo/dchat/utilities"
)

// app wires the client-side components for one account.
type app struct {
	cfg  *config.Config
	self types.Address

	client    *ledger.Client
	feed      *ledger.MQTTFeed
	receipts  *utilities.Correlator[ledger.Receipt]
	names     *dchat.NameCache
	account   *dchat.Account
	directory *dchat.Directory
	sender    *dchat.SendCoordinator
	view      *dchat.View

	connected bool
}

func newApp(cfg *config.Config) (*app, error) {
	self, err := cfg.AccountAddress()
	if err != nil {
		return nil, err
	}

	client := ledger.NewClient(cfg.Ledger.URL, self, nil)
	feed := ledger.NewMQTTFeed(cfg.MQTT)
	names := dchat.NewNameCache(client, cfg.Names.LookupTimeout)

	sender := dchat.NewSendCoordinator(client, blobstore.NewHTTPStore(cfg.Blobs.APIURL, nil))
	sender.SetConfirmTimeout(cfg.Ledger.ConfirmTimeout)

	view := dchat.NewView(self, client, feed, names)
	view.SetSender(sender)
	view.Reconciler().Attempts = cfg.Ledger.QueryAttempts
	view.Reconciler().Backoff = cfg.Ledger.QueryBackoff

	return &app{
		cfg:       cfg,
		self:      self,
		client:    client,
		feed:      feed,
		receipts:  utilities.NewCorrelator[ledger.Receipt](cfg.Ledger.ConfirmTimeout),
		names:     names,
		account:   dchat.NewAccount(self, client, client, names),
		directory: dchat.NewDirectory(self, client, client, feed),
		sender:    sender,
		view:      view,
	}, nil
}

// connect dials the live feed and switches confirmations from polling to
// receipts published on the broker.
func (a *app) connect(ctx context.Context) error {
	if a.connected {
		return nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := a.feed.Connect(dialCtx); err != nil {
		return err
	}
	if err := a.feed.ForwardReceipts(a.receipts); err != nil {
		return err
	}
	a.client.UseReceipts(a.receipts)
	a.connected = true
	logrus.Debugf("📡 connected to %s", a.cfg.MQTT.Host)
	return nil
}

func (a *app) close() {
	a.view.Close()
	if a.connected {
		a.feed.Close()
		a.connected = false
	}
	a.receipts.Close()
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "whoami":
		name, err := a.account.Username(ctx)
		if err != nil {
			return err
		}
		if name == "" {
			name = "(not registered)"
		}
		fmt.Printf("%s %s\n", a.self, name)
		return nil

	case "register":
		if len(args) != 1 {
			return errors.New("usage: register <username>")
		}
		if err := a.account.Register(ctx, args[0]); err != nil {
			return err
		}
		logrus.Infof("🪪 registered %s as %s", a.self, args[0])
		return nil

	case "contacts":
		contacts, err := a.directory.Contacts(ctx)
		if err != nil {
			return err
		}
		printContacts(dchat.Search(contacts, strings.Join(args, " ")))
		return nil

	case "add-friend":
		if len(args) != 1 {
			return errors.New("usage: add-friend <address|username>")
		}
		return a.directory.AddFriend(ctx, args[0])

	case "create-group":
		if len(args) < 1 {
			return errors.New("usage: create-group <name> [member addresses]")
		}
		return a.directory.CreateGroup(ctx, args[0], args[1:])

	case "history":
		if len(args) != 1 {
			return errors.New("usage: history <conversation>")
		}
		ref, err := parseConversation(args[0])
		if err != nil {
			return err
		}
		timeline, err := a.view.Reconciler().Reconcile(ctx, ref)
		if err != nil {
			return err
		}
		printTimeline(timeline.Messages(), a.self, a.cfg.Blobs.Gateway)
		return nil

	case "send", "attach":
		if len(args) < 2 {
			return fmt.Errorf("usage: %s <conversation> <%s>", command, map[string]string{"send": "text", "attach": "file"}[command])
		}
		ref, err := parseConversation(args[0])
		if err != nil {
			return err
		}
		if _, err := a.account.RequireRegistered(ctx); err != nil {
			return err
		}
		content := dchat.TextContent(strings.Join(args[1:], " "))
		if command == "attach" {
			if content, err = readAttachment(args[1]); err != nil {
				return err
			}
		}
		return a.sender.Send(ctx, ref, content)

	case "chat":
		if len(args) != 1 {
			return errors.New("usage: chat <conversation>")
		}
		ref, err := parseConversation(args[0])
		if err != nil {
			return err
		}
		return a.chat(ctx, ref)
	}
	return fmt.Errorf("unknown command %q", command)
}

// chat opens ref, prints its history and then every new message until ctx
// ends. Each stdin line is sent; "/attach <file>", "/refresh" and "/quit"
// are commands.
func (a *app) chat(ctx context.Context, ref types.ConversationRef) error {
	if _, err := a.account.RequireRegistered(ctx); err != nil {
		return err
	}
	if err := a.connect(ctx); err != nil {
		return err
	}

	session, err := a.view.Open(ctx, ref)
	if err != nil {
		return err
	}
	session.AddStatusListener(func(state dchat.SessionState, stale bool) {
		if stale {
			logrus.Warnf("📡 %s: live feed lost, messages may be missing", ref)
		}
	})
	if err := session.Wait(ctx); err != nil {
		return err
	}

	// Live messages wait for the history table to finish printing.
	var out sync.Mutex
	out.Lock()
	history := session.Follow(func(m dchat.Message) {
		out.Lock()
		defer out.Unlock()
		printMessage(m, a.self, a.cfg.Blobs.Gateway)
	})
	printTimeline(history, a.self, a.cfg.Blobs.Gateway)
	out.Unlock()

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
			if err := a.handleLine(ctx, session, strings.TrimSpace(line)); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				logrus.Warnf("✉️ %v", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

func (a *app) handleLine(ctx context.Context, session *dchat.Session, line string) error {
	switch {
	case line == "":
		return nil
	case line == "/quit":
		return errQuit
	case line == "/refresh":
		return session.Refresh(ctx)
	case strings.HasPrefix(line, "/attach "):
		content, err := readAttachment(strings.TrimSpace(strings.TrimPrefix(line, "/attach ")))
		if err != nil {
			return err
		}
		return session.Send(ctx, content)
	}
	return session.Send(ctx, dchat.TextContent(line))
}

func readAttachment(path string) (dchat.Content, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return dchat.Content{}, fmt.Errorf("read attachment: %w", err)
	}
	return dchat.FileContent(filepath.Base(path), data), nil
}

// parseConversation accepts a peer address, "group:<id>" or a bare group id.
func parseConversation(arg string) (types.ConversationRef, error) {
	arg = strings.TrimSpace(arg)
	if types.IsAddress(arg) {
		return types.Direct(types.Address(arg)), nil
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(arg, "group:"), 10, 64)
	if err != nil {
		return types.ConversationRef{}, fmt.Errorf("%q is neither an address nor a group id", arg)
	}
	return types.Group(types.GroupID(id)), nil
}
