package router

import (
	"errors"
	"fmt"
	"net/http"

	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/party"
)

var (
	ErrValidation      = errors.New("router: invalid request")
	ErrUnauthorized    = errors.New("router: unauthorized")
	ErrForbidden       = errors.New("router: forbidden")
	ErrNotFound        = errors.New("router: target not found")
	ErrNoEndpoint      = errors.New("router: target has no endpoint for module")
	ErrUpstream        = errors.New("router: upstream unavailable")
	ErrUpstreamTimeout = errors.New("router: upstream timeout")
	ErrInFlight        = errors.New("router: request with this correlation id is in flight")
)

func isPush(method string) bool {
	return method == http.MethodPost || method == http.MethodPut
}

// authorize applies the role policy for caller acting on module with method
// towards target. A nil target means the hub serves the request itself.
func authorize(caller party.Tuple, module ocpi.Module, method string, target *party.Tuple) error {
	if target != nil && *target == caller {
		return fmt.Errorf("%w: target is the caller", ErrForbidden)
	}

	var (
		allowed    []party.Role
		targetRole party.Role
	)
	switch module {
	case ocpi.ModuleLocations, ocpi.ModuleSessions:
		targetRole = party.RoleEMSP
		allowed = []party.Role{party.RoleCPO}
		if !isPush(method) {
			targetRole = party.RoleCPO
			allowed = []party.Role{party.RoleCPO, party.RoleEMSP}
		}
	case ocpi.ModuleTokens:
		targetRole = party.RoleCPO
		allowed = []party.Role{party.RoleEMSP}
		if !isPush(method) {
			targetRole = party.RoleEMSP
			allowed = []party.Role{party.RoleCPO, party.RoleEMSP}
		}
	default:
		return fmt.Errorf("%w: module %q is not routed", ErrValidation, module)
	}

	if !roleIn(caller.Role, allowed) {
		return fmt.Errorf("%w: %s may not %s %s", ErrForbidden, caller.Role, method, module)
	}
	if target != nil && target.Role != targetRole {
		return fmt.Errorf("%w: %s %s must target a %s", ErrForbidden, method, module, targetRole)
	}
	return nil
}

func roleIn(r party.Role, set []party.Role) bool {
	for _, s := range set {
		if s == r {
			return true
		}
	}
	return false
}

// checkOwnership rejects pushed objects claiming another party's identity.
func checkOwnership(caller party.Tuple, obj pushed) error {
	if obj.CountryCode != caller.CountryCode || obj.PartyID != caller.PartyID {
		return fmt.Errorf("%w: object owned by %s*%s, caller is %s*%s",
			ErrForbidden, obj.CountryCode, obj.PartyID, caller.CountryCode, caller.PartyID)
	}
	return nil
}
