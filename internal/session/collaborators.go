package session

import (
	"context"

	"github.com/l0p7/storefront/internal/graphql"
)

// Transport carries session headers to the commerce API and reports failed
// operations.
type Transport interface {
	SetHeaders(headers map[string]string)
	OnError(handler func(graphql.TransportError))
}

// Cart refreshes the shopper's cart and reports whether it succeeded.
type Cart interface {
	RefreshCart(ctx context.Context) bool
}

// Auth logs the shopper out.
type Auth interface {
	LogoutUser(ctx context.Context) error
}

// Cookies reads domain-scoped cookies and clears them all.
type Cookies interface {
	Get(name, domain string) (string, bool)
	ClearAll()
}

// Router reports the path of the current page.
type Router interface {
	CurrentPath() string
}

// RouterFunc adapts a func to Router.
type RouterFunc func() string

func (f RouterFunc) CurrentPath() string { return f() }

// Reloader forces a full reload of the page, discarding in-memory state.
type Reloader interface {
	Reload()
}

// ReloaderFunc adapts a func to Reloader.
type ReloaderFunc func()

func (f ReloaderFunc) Reload() { f() }
