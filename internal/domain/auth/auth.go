package auth

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrUnauthorized is returned when an API key does not resolve to an account.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned when an account lookup finds nothing.
	ErrNotFound = errors.New("account not found")
	// ErrUsernameTaken is returned when registering an existing username.
	ErrUsernameTaken = errors.New("username already exists")
	// ErrInvalidUsername is returned for usernames outside the allowed shape.
	ErrInvalidUsername = errors.New("username must be 3-64 characters of letters, digits, '.', '-' or '_'")
	// ErrRoleNotAllowed is returned when a role cannot be obtained the requested way.
	ErrRoleNotAllowed = errors.New("role not allowed")
	// ErrInvalidRole is returned by ParseRole for unknown role names.
	ErrInvalidRole = errors.New("invalid role")
)

// Role is the marketplace role of an account. It is resolved once when a
// request is authenticated and carried in the Actor from then on.
type Role uint8

const (
	RoleBuyer Role = iota + 1
	RoleSeller
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleBuyer:
		return "buyer"
	case RoleSeller:
		return "seller"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseRole maps a stored or user-supplied role name to a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buyer":
		return RoleBuyer, nil
	case "seller":
		return RoleSeller, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return 0, errors.Wrapf(ErrInvalidRole, "%q", s)
	}
}

// Actor is the authenticated identity performing an operation.
type Actor struct {
	ID       string
	Username string
	Role     Role
}

// IsAdmin reports whether the actor may perform administrative operations
// such as completing orders.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// CanShop reports whether the actor may hold a cart and place orders.
// Admins shop too; sellers do not.
func (a Actor) CanShop() bool { return a.Role == RoleBuyer || a.Role == RoleAdmin }

// Account is a stored marketplace identity. Only the HMAC of its API key is kept.
type Account struct {
	ID        string
	Username  string
	Role      Role
	KeyHash   string
	CreatedAt time.Time
}

// Actor returns the identity this account acts as.
func (a *Account) Actor() Actor {
	return Actor{ID: a.ID, Username: a.Username, Role: a.Role}
}

// Repository provides account persistence.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*Account, error)
	FindByUsername(ctx context.Context, username string) (*Account, error)
	// Create inserts a new account, returning ErrUsernameTaken on conflict.
	Create(ctx context.Context, a *Account) error
	// SetKeyHash replaces the key hash of an existing account.
	SetKeyHash(ctx context.Context, id, hash string) error
}
