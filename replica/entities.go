package replica

import "time"

// Entity names as they appear in event patterns ("<entity>.<kind>").
const (
	EntityOwner    = "owner"
	EntityCompany  = "company"
	EntityStore    = "store"
	EntityEmployee = "employee"
)

// PatternPasswordChanged carries a new password hash for an owner.
const PatternPasswordChanged = "password.changed"

// Entity is a replicated projection keyed by the id its owning service assigned.
type Entity interface {
	EntityID() string
}

// EventData is the payload of entity events: the entity snapshot and the id
// of the user who made the change.
type EventData[T any] struct {
	Data T      `json:"data"`
	User string `json:"user,omitempty"`
}

// Owner is the tenant account that owns companies and employees.
type Owner struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Password  string     `json:"password,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func (o Owner) EntityID() string { return o.ID }

type Company struct {
	ID        string     `json:"id"`
	Code      string     `json:"code"`
	Name      string     `json:"name"`
	OwnerID   string     `json:"owner_id"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func (c Company) EntityID() string { return c.ID }

// Store is a point of sale belonging to a company. Optional settings are
// pointers so an absent value survives a round trip as null.
type Store struct {
	ID            string     `json:"id"`
	Code          string     `json:"code"`
	Name          string     `json:"name"`
	CompanyID     string     `json:"company_id"`
	NPWP          string     `json:"npwp"`
	Address       string     `json:"address"`
	OpenDate      *time.Time `json:"open_date,omitempty"`
	Longitude     float64    `json:"longitude"`
	Latitude      float64    `json:"latitude"`
	Description   *string    `json:"description"`
	IsActive      *bool      `json:"is_active"`
	IsFlexPrice   *bool      `json:"is_flex_price"`
	IsFloatPrice  *bool      `json:"is_float_price"`
	PoinConfig    *int       `json:"poin_config"`
	TaxPercentage *float64   `json:"tax_percentage"`
	Logo          string     `json:"logo"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

func (s Store) EntityID() string { return s.ID }

type Employee struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	OwnerID   string     `json:"owner_id"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func (e Employee) EntityID() string { return e.ID }

// PasswordChange is the payload of password.changed.
type PasswordChange struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}
