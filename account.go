package dchat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/eljojo/dchat/ledger"
	"github.com/eljojo/dchat/types"
)

// Account is the local user's identity on the ledger.
type Account struct {
	addr           types.Address
	submitter      Submitter
	reader         Reader
	names          *NameCache
	confirmTimeout time.Duration
}

// NewAccount creates an account. names may be nil.
func NewAccount(addr types.Address, submitter Submitter, reader Reader, names *NameCache) *Account {
	return &Account{
		addr:           addr,
		submitter:      submitter,
		reader:         reader,
		names:          names,
		confirmTimeout: 2 * time.Minute,
	}
}

// Address returns the account address.
func (a *Account) Address() types.Address {
	return a.addr
}

// Username returns the registered username, or "" when unregistered.
func (a *Account) Username(ctx context.Context) (string, error) {
	return a.reader.GetUser(ctx, a.addr)
}

// Register claims name for this account and waits for confirmation.
func (a *Account) Register(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("username cannot be empty")
	}
	if _, err := submitAndConfirm(ctx, a.submitter, ledger.CreateUser(name), a.confirmTimeout); err != nil {
		return err
	}
	if a.names != nil {
		a.names.Set(a.addr, name)
	}
	return nil
}

// RequireRegistered fails with ErrNotRegistered if the account has no name.
func (a *Account) RequireRegistered(ctx context.Context) (string, error) {
	name, err := a.Username(ctx)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", ErrNotRegistered
	}
	return name, nil
}
