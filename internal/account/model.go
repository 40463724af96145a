package account

import (
	"strings"
	"time"
)

// Role identifies the tier an account occupies in the distribution hierarchy.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleND       Role = "nd"
	RoleSS       Role = "ss"
	RoleDB       Role = "db"
	RoleRetailer Role = "retailer"
)

var hierarchy = []Role{RoleAdmin, RoleND, RoleSS, RoleDB, RoleRetailer}

// Rank returns the depth of the role in the hierarchy (admin is 0) or -1 for
// unknown roles.
func (r Role) Rank() int {
	for i, role := range hierarchy {
		if role == r {
			return i
		}
	}
	return -1
}

// IsValid reports whether r is one of the known roles.
func (r Role) IsValid() bool { return r.Rank() >= 0 }

// Child returns the role accounts created by r receive.
func (r Role) Child() (Role, bool) {
	rank := r.Rank()
	if rank < 0 || rank == len(hierarchy)-1 {
		return "", false
	}
	return hierarchy[rank+1], true
}

// Label is the human readable tier name used in user-facing messages.
func (r Role) Label() string {
	switch r {
	case RoleAdmin:
		return "Admin"
	case RoleND:
		return "National distributor"
	case RoleSS:
		return "Super stockist"
	case RoleDB:
		return "Distributor"
	case RoleRetailer:
		return "Retailer"
	default:
		return "Account"
	}
}

// ParseRole normalises a role string.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	return r, r.IsValid()
}

// Status is the lifecycle state of an account.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusBlocked  Status = "blocked"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusBlocked:
		return true
	default:
		return false
	}
}

// Account represents one actor of the distribution chain. Key counters are
// owned by the ledger and are not part of this record.
type Account struct {
	ID           string
	Role         Role
	CreatedBy    string
	Name         string
	Email        string
	Phone        string
	Address      string
	Status       Status
	PasswordHash []byte
	CreatedAt    time.Time
}

// IsActive reports whether the account may authenticate and transact.
func (a Account) IsActive() bool { return a.Status == StatusActive }

// ChildInput captures the data required to create a child account.
type ChildInput struct {
	Name     string
	Email    string
	Password string
	Phone    string
	Address  string
}

// Profile is the public JSON view of an account.
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	RoleLabel string    `json:"roleLabel"`
	Phone     string    `json:"phone,omitempty"`
	Address   string    `json:"address,omitempty"`
	Status    Status    `json:"status"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (a Account) Profile() Profile {
	return Profile{
		ID:        a.ID,
		Name:      a.Name,
		Email:     a.Email,
		Role:      a.Role,
		RoleLabel: a.Role.Label(),
		Phone:     a.Phone,
		Address:   a.Address,
		Status:    a.Status,
		CreatedBy: a.CreatedBy,
		CreatedAt: a.CreatedAt,
	}
}
