package dchat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eljojo/dchat/ledger"
	"github.com/eljojo/dchat/messages"
	"github.com/eljojo/dchat/runtime"
	"github.com/eljojo/dchat/types"
)

// UnnamedContact is shown for friends without a registered name.
const UnnamedContact = "Unnamed"

// Contact is one entry in the contact list: a friend or a group.
type Contact struct {
	Ref     types.ConversationRef
	Name    string
	Owner   types.Address   // groups only
	Members []types.Address // groups only
}

// Directory manages the friend list and groups of one account.
type Directory struct {
	self           types.Address
	reader         Reader
	submitter      Submitter
	feed           LiveFeed
	confirmTimeout time.Duration
	log            *runtime.ServiceLog
}

// NewDirectory creates a directory for self. feed is only needed by Watch.
func NewDirectory(self types.Address, reader Reader, submitter Submitter, feed LiveFeed) *Directory {
	return &Directory{
		self:           self,
		reader:         reader,
		submitter:      submitter,
		feed:           feed,
		confirmTimeout: 2 * time.Minute,
		log:            runtime.NewServiceLog("contacts", nil),
	}
}

// Contacts returns friends in the order they were added, then groups.
func (d *Directory) Contacts(ctx context.Context) ([]Contact, error) {
	friends, err := d.reader.GetFriendList(ctx, d.self)
	if err != nil {
		return nil, fmt.Errorf("friend list: %w", err)
	}
	groupIDs, err := d.reader.GetUserGroups(ctx, d.self)
	if err != nil {
		return nil, fmt.Errorf("groups: %w", err)
	}

	contacts := make([]Contact, len(friends)+len(groupIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelLookups)
	for i, addr := range friends {
		i, addr := i, addr
		g.Go(func() error {
			name, err := d.reader.GetUser(gctx, addr)
			if err != nil {
				return fmt.Errorf("name of %s: %w", addr, err)
			}
			if name == "" {
				name = UnnamedContact
			}
			contacts[i] = Contact{Ref: types.Direct(addr), Name: name}
			return nil
		})
	}
	for i, id := range groupIDs {
		i, id := len(friends)+i, id
		g.Go(func() error {
			details, err := d.reader.GetGroupDetails(gctx, id)
			if err != nil {
				return fmt.Errorf("group %s: %w", id, err)
			}
			contacts[i] = Contact{
				Ref:     types.Group(details.ID),
				Name:    details.Name,
				Owner:   details.Owner,
				Members: details.Members,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return contacts, nil
}

// AddFriend befriends input, which is either an address or a username.
func (d *Directory) AddFriend(ctx context.Context, input string) error {
	input = strings.TrimSpace(input)
	if input == "" {
		return errors.New("input cannot be empty")
	}
	op := ledger.AddFriendByUsername(input)
	if types.IsAddress(input) {
		op = ledger.AddFriend(types.Address(input))
	}
	_, err := submitAndConfirm(ctx, d.submitter, op, d.confirmTimeout)
	return err
}

// CreateGroup creates a group with self as owner. Members that aren't valid
// addresses are skipped.
func (d *Directory) CreateGroup(ctx context.Context, name string, members []string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("group name cannot be empty")
	}
	var valid []types.Address
	for _, m := range members {
		m = strings.TrimSpace(m)
		if types.IsAddress(m) {
			valid = append(valid, types.Address(m))
		} else if m != "" {
			d.log.Debug("skipping invalid member %q", m)
		}
	}
	_, err := submitAndConfirm(ctx, d.submitter, ledger.CreateGroup(name, valid), d.confirmTimeout)
	return err
}

// Watch calls onChange whenever a directory event touches self. The
// returned stop function unsubscribes; onChange never runs after it returns.
func (d *Directory) Watch(onChange func()) (stop func(), err error) {
	if d.feed == nil {
		return nil, errors.New("directory has no live feed")
	}
	kinds := []messages.EventKind{messages.KindFriendAdded, messages.KindGroupCreated, messages.KindMemberAddedToGroup}
	var subs []ledger.Subscription
	unsubscribe := func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
	for _, kind := range kinds {
		sub, err := d.feed.Subscribe(kind, ledger.Handler{OnEvent: func(e messages.RawEvent) {
			if d.involvesSelf(e) {
				onChange()
			}
		}})
		if err != nil {
			unsubscribe()
			return nil, fmt.Errorf("watch %s: %w", kind, err)
		}
		subs = append(subs, sub)
	}
	var once sync.Once
	return func() { once.Do(unsubscribe) }, nil
}

func (d *Directory) involvesSelf(e messages.RawEvent) bool {
	switch e.Kind {
	case messages.KindFriendAdded:
		return e.FriendAdded != nil && e.FriendAdded.Involves(d.self)
	case messages.KindGroupCreated:
		return e.GroupCreated != nil && e.GroupCreated.Owner.Equal(d.self)
	case messages.KindMemberAddedToGroup:
		return e.MemberAdded != nil && e.MemberAdded.Member.Equal(d.self)
	}
	return false
}

// Search filters contacts whose name contains term, ignoring case.
func Search(contacts []Contact, term string) []Contact {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return contacts
	}
	var result []Contact
	for _, c := range contacts {
		if strings.Contains(strings.ToLower(c.Name), term) {
			result = append(result, c)
		}
	}
	return result
}
