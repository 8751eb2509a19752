package party

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"

	"ocpihub.org/internal/ocpi"
)

var (
	ErrValidation        = errors.New("party: validation failed")
	ErrConflict          = errors.New("party: identity tuple already registered")
	ErrNotFound          = errors.New("party: not found")
	ErrInvalidTransition = errors.New("party: invalid status transition")
)

// Role is the closed set of party roles the hub connects.
type Role string

const (
	RoleCPO  Role = "CPO"
	RoleEMSP Role = "EMSP"
)

// Roles lists every role; keep in sync with the constants above.
var Roles = []Role{RoleCPO, RoleEMSP}

// ParseRole accepts "CPO" or "EMSP" in any case.
func ParseRole(raw string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(raw))); r {
	case RoleCPO, RoleEMSP:
		return r, nil
	default:
		return "", fmt.Errorf("%w: role must be CPO or EMSP", ErrValidation)
	}
}

// Status is the registry lifecycle of an organization.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRegistered Status = "REGISTERED"
	StatusSuspended  Status = "SUSPENDED"
)

// ParseStatus validates a status filter value.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToUpper(strings.TrimSpace(raw))); s {
	case StatusPending, StatusRegistered, StatusSuspended:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
}

// Tuple is the identity of a party: unique across the registry, forever.
type Tuple struct {
	CountryCode string `json:"country_code"`
	PartyID     string `json:"party_id"`
	Role        Role   `json:"role"`
}

func (t Tuple) String() string {
	return t.CountryCode + "*" + t.PartyID + "/" + string(t.Role)
}

// Validate checks the tuple's country code, party id and role.
func (t Tuple) Validate() error {
	if !ValidCountryCode(t.CountryCode) {
		return fmt.Errorf("%w: country_code %q is not an ISO-3166-1 alpha-2 code", ErrValidation, t.CountryCode)
	}
	if !ValidPartyID(t.PartyID) {
		return fmt.Errorf("%w: party_id must be exactly 3 uppercase alphanumeric characters", ErrValidation)
	}
	if _, err := ParseRole(string(t.Role)); err != nil {
		return err
	}
	return nil
}

// Organization is a registered party.
type Organization struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Website     string    `json:"website,omitempty"`
	CountryCode string    `json:"country_code"`
	PartyID     string    `json:"party_id"`
	Role        Role      `json:"role"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (o Organization) Tuple() Tuple {
	return Tuple{CountryCode: o.CountryCode, PartyID: o.PartyID, Role: o.Role}
}

// Routable reports whether the organization may send or receive module traffic.
func (o Organization) Routable() bool {
	return o.Status == StatusRegistered
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Role        Role
	Status      Status
	CountryCode string
}

func (f Filter) Match(o Organization) bool {
	if f.Role != "" && o.Role != f.Role {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.CountryCode != "" && o.CountryCode != f.CountryCode {
		return false
	}
	return true
}

// RegisterRequest carries the registration form fields.
type RegisterRequest struct {
	Name        string `json:"name"`
	Website     string `json:"website"`
	CountryCode string `json:"country_code"`
	PartyID     string `json:"party_id"`
	Role        string `json:"role"`
}

// Registration is the structured result handed back to the registering party.
type Registration struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

func (req RegisterRequest) organization() (Organization, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Organization{}, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if len(name) > 255 {
		return Organization{}, fmt.Errorf("%w: name must be at most 255 characters", ErrValidation)
	}
	website := strings.TrimSpace(req.Website)
	if website != "" {
		if err := ocpi.ValidateURL(website); err != nil {
			return Organization{}, fmt.Errorf("%w: website: %v", ErrValidation, err)
		}
	}
	role, err := ParseRole(req.Role)
	if err != nil {
		return Organization{}, err
	}
	org := Organization{
		Name:        name,
		Website:     website,
		CountryCode: req.CountryCode,
		PartyID:     req.PartyID,
		Role:        role,
	}
	if err := org.Tuple().Validate(); err != nil {
		return Organization{}, err
	}
	return org, nil
}

// ValidPartyID reports whether id is exactly three of [A-Z0-9].
func ValidPartyID(id string) bool {
	if len(id) != 3 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// ValidCountryCode reports whether code is an uppercase ISO-3166-1 alpha-2
// country code.
func ValidCountryCode(code string) bool {
	if len(code) != 2 || code[0] < 'A' || code[0] > 'Z' || code[1] < 'A' || code[1] > 'Z' {
		return false
	}
	region, err := language.ParseRegion(code)
	if err != nil {
		return false
	}
	// deprecated codes canonicalise to their replacement
	return region.IsCountry() && region.Canonicalize().String() == code
}
