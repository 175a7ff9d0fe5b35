package auth

// Role is the privilege level of an authenticated caller.
type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system" // background jobs such as the expiry sweeper
)

// Actor is the authenticated identity every domain operation is called with.
// Authentication happens at the transport boundary; domain packages only
// authorize against it.
type Actor struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// User builds a regular user actor.
func User(id string) Actor { return Actor{UserID: id, Role: RoleUser} }

// Admin builds an admin actor.
func Admin(id string) Actor { return Actor{UserID: id, Role: RoleAdmin} }

// System is the actor used by background jobs.
var System = Actor{UserID: "system", Role: RoleSystem}

// IsAdmin reports whether the actor holds admin privilege.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Is reports whether the actor is the given user.
func (a Actor) Is(userID string) bool { return a.UserID != "" && a.UserID == userID }

// CanAccess reports whether the actor may read data owned by userID.
func (a Actor) CanAccess(userID string) bool { return a.IsAdmin() || a.Is(userID) }
