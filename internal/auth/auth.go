// Package auth loads the accounts file, checks LOGIN credentials and answers
// capability checks for the dispatcher.
package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/bcrypt"

	"github.com/danmuck/edgekv/internal/session"
)

var (
	ErrUnauthorized   = errors.New("auth: unauthorized")
	ErrInvalidAccount = errors.New("auth: invalid account")
	ErrDuplicate      = errors.New("auth: duplicate account")
)

// ValidCapabilities lists every capability flag an account may carry.
const ValidCapabilities = "rwpme"

// Account is one entry of the accounts file.
type Account struct {
	Name         string
	PasswordHash string
	Capabilities string
	Admin        bool
	Disabled     bool
}

// Identity is what a successful login establishes for a session.
func (a Account) Identity() session.Identity {
	return session.Identity{Account: a.Name, Capabilities: a.Capabilities, Admin: a.Admin}
}

// Accounts is an immutable snapshot of the accounts file.
type Accounts struct {
	byName map[string]Account
}

type fileAccount struct {
	Name         string  `toml:"name"`
	PasswordHash string  `toml:"password_hash"`
	Capabilities *string `toml:"capabilities"`
	Admin        bool    `toml:"admin"`
	Disabled     bool    `toml:"disabled"`
}

type fileAccounts struct {
	DefaultCapabilities string        `toml:"default_capabilities"`
	Account             []fileAccount `toml:"account"`
}

// LoadAccounts reads an accounts file from disk.
func LoadAccounts(path string) (*Accounts, error) {
	var raw fileAccounts
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	return buildAccounts(raw, meta)
}

// ParseAccounts reads accounts from TOML text.
func ParseAccounts(data string) (*Accounts, error) {
	var raw fileAccounts
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}
	return buildAccounts(raw, meta)
}

func buildAccounts(raw fileAccounts, meta toml.MetaData) (*Accounts, error) {
	defaults := "r"
	if meta.IsDefined("default_capabilities") {
		defaults = strings.TrimSpace(raw.DefaultCapabilities)
	}
	if err := validateCapabilities(defaults); err != nil {
		return nil, err
	}

	out := &Accounts{byName: make(map[string]Account, len(raw.Account))}
	for i, fa := range raw.Account {
		name := strings.TrimSpace(fa.Name)
		if name == "" || strings.ContainsAny(name, " \t:*") {
			return nil, fmt.Errorf("%w: entry %d name %q", ErrInvalidAccount, i, fa.Name)
		}
		key := strings.ToLower(name)
		if _, exists := out.byName[key]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicate, name)
		}
		hash := strings.TrimSpace(fa.PasswordHash)
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("%w: %q password_hash: %v", ErrInvalidAccount, name, err)
		}
		caps := defaults
		if fa.Capabilities != nil {
			caps = strings.TrimSpace(*fa.Capabilities)
		}
		if err := validateCapabilities(caps); err != nil {
			return nil, fmt.Errorf("%w: %q", err, name)
		}
		out.byName[key] = Account{
			Name:         name,
			PasswordHash: hash,
			Capabilities: caps,
			Admin:        fa.Admin,
			Disabled:     fa.Disabled,
		}
	}
	return out, nil
}

func validateCapabilities(caps string) error {
	for i := 0; i < len(caps); i++ {
		if strings.IndexByte(ValidCapabilities, caps[i]) < 0 {
			return fmt.Errorf("%w: unknown capability %q", ErrInvalidAccount, caps[i])
		}
	}
	return nil
}

// Lookup finds an account by case-insensitive name.
func (a *Accounts) Lookup(name string) (Account, bool) {
	if a == nil {
		return Account{}, false
	}
	acct, ok := a.byName[strings.ToLower(strings.TrimSpace(name))]
	return acct, ok
}

func (a *Accounts) Len() int {
	if a == nil {
		return 0
	}
	return len(a.byName)
}

// Names returns account names in sorted order.
func (a *Accounts) Names() []string {
	if a == nil {
		return nil
	}
	out := make([]string, 0, len(a.byName))
	for _, acct := range a.byName {
		out = append(out, acct.Name)
	}
	sort.Strings(out)
	return out
}

// dummyHash keeps unknown-account checks as slow as real ones.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("edgekv-unknown-account"), bcrypt.DefaultCost)

// Verify checks a password. It is slow by construction and must run off the
// event loop.
func (a *Accounts) Verify(name, password string) (Account, error) {
	acct, ok := a.Lookup(name)
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return Account{}, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return Account{}, ErrUnauthorized
	}
	if acct.Disabled {
		return Account{}, ErrUnauthorized
	}
	return acct, nil
}

// HashPassword produces a hash suitable for the password_hash field.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: empty password", ErrInvalidAccount)
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
