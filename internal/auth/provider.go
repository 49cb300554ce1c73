package auth

import (
	"github.com/danmuck/edgekv/internal/command"
	"github.com/danmuck/edgekv/internal/session"
)

// Identified is implemented by clients that carry a login identity.
type Identified interface {
	Identity() session.Identity
}

// Provider answers capability checks. With a store, the current accounts
// snapshot wins over what was granted at login, so a reload that removes or
// disables an account revokes it on live sessions.
type Provider struct {
	store *Store
}

func NewProvider(store *Store) *Provider {
	return &Provider{store: store}
}

var _ command.PermissionProvider = (*Provider)(nil)

func (p *Provider) identity(c command.Client) (session.Identity, bool) {
	holder, ok := c.(Identified)
	if !ok || !c.Registered() {
		return session.Identity{}, false
	}
	id := holder.Identity()
	if p == nil || p.store == nil {
		return id, true
	}
	acct, ok := p.store.Accounts().Lookup(id.Account)
	if !ok || acct.Disabled {
		return session.Identity{}, false
	}
	return acct.Identity(), true
}

func (p *Provider) HasCapability(c command.Client, flag command.Capability) bool {
	id, ok := p.identity(c)
	return ok && id.Has(byte(flag))
}

func (p *Provider) IsAdmin(c command.Client) bool {
	id, ok := p.identity(c)
	return ok && id.Admin
}
