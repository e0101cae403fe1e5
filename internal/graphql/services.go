package graphql

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/l0p7/storefront/internal/logging"
)

const cartQuery = `query getCart {
  cart {
    isEmpty
    contentsCount
    subtotal
    total
  }
  customer {
    databaseId
    sessionToken
  }
}`

const logoutMutation = `mutation logout {
  logout(input: {}) {
    status
  }
}`

// Cart is the subset of cart state the storefront keeps after a refresh.
type Cart struct {
	IsEmpty       bool   `json:"isEmpty"`
	ContentsCount int    `json:"contentsCount"`
	Subtotal      string `json:"subtotal"`
	Total         string `json:"total"`
}

// CartService refreshes the shopper's cart through the client.
type CartService struct {
	client *Client
	logger *slog.Logger

	mu   sync.RWMutex
	cart *Cart
}

// NewCartService runs the cart query through client.
func NewCartService(client *Client, logger *slog.Logger) *CartService {
	return &CartService{
		client: client,
		logger: logging.OrDiscard(logger).With(slog.String("agent", "cart")),
	}
}

// RefreshCart fetches the cart and reports whether it succeeded. Failures are
// logged; the transport observers have already seen them.
func (s *CartService) RefreshCart(ctx context.Context) bool {
	var data struct {
		Cart     *Cart `json:"cart"`
		Customer *struct {
			DatabaseID   int    `json:"databaseId"`
			SessionToken string `json:"sessionToken"`
		} `json:"customer"`
	}
	if err := s.client.Do(ctx, cartQuery, nil, &data); err != nil {
		s.logger.Warn("cart refresh failed", slog.Any("error", err))
		return false
	}
	if data.Cart == nil {
		s.logger.Warn("cart refresh returned no cart")
		return false
	}
	if data.Customer != nil && data.Customer.SessionToken != "" && s.client.jar != nil {
		s.client.jar.Set(s.client.cookie, s.client.domain, data.Customer.SessionToken)
	}
	s.mu.Lock()
	cart := *data.Cart
	s.cart = &cart
	s.mu.Unlock()
	s.logger.Debug("cart refreshed", slog.Int("items", cart.ContentsCount))
	return true
}

// Cart returns the last successfully refreshed cart.
func (s *CartService) Cart() (Cart, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cart == nil {
		return Cart{}, false
	}
	return *s.cart, true
}

// AuthService logs the shopper out.
type AuthService struct {
	client *Client
	logger *slog.Logger
}

// NewAuthService runs the logout mutation through client.
func NewAuthService(client *Client, logger *slog.Logger) *AuthService {
	return &AuthService{
		client: client,
		logger: logging.OrDiscard(logger).With(slog.String("agent", "auth")),
	}
}

// LogoutUser ends the server-side session and drops the session header.
func (s *AuthService) LogoutUser(ctx context.Context) error {
	var data struct {
		Logout *struct {
			Status string `json:"status"`
		} `json:"logout"`
	}
	if err := s.client.Do(ctx, logoutMutation, nil, &data); err != nil {
		return fmt.Errorf("graphql: logout: %w", err)
	}
	s.client.SetHeaders(map[string]string{SessionHeader: ""})
	if data.Logout != nil {
		s.logger.Info("logged out", slog.String("status", data.Logout.Status))
	}
	return nil
}
