package router

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/party"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 1000
)

// pushed is the routing-relevant head of a pushed OCPI object.
type pushed struct {
	CountryCode string `json:"country_code"`
	PartyID     string `json:"party_id"`
	ID          string `json:"id"`
	UID         string `json:"uid"`
	raw         json.RawMessage
}

func parsePushed(module ocpi.Module, body []byte) (pushed, error) {
	var obj pushed
	if len(body) == 0 {
		return obj, fmt.Errorf("%w: body is required", ErrValidation)
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		return obj, fmt.Errorf("%w: body must be a JSON object: %v", ErrValidation, err)
	}
	if obj.CountryCode == "" || obj.PartyID == "" {
		return obj, fmt.Errorf("%w: country_code and party_id are required", ErrValidation)
	}
	if obj.key(module) == "" {
		field := "id"
		if module == ocpi.ModuleTokens {
			field = "uid"
		}
		return obj, fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	obj.raw = append(json.RawMessage(nil), body...)
	return obj, nil
}

func (p pushed) key(module ocpi.Module) string {
	if module == ocpi.ModuleTokens {
		return p.UID
	}
	return p.ID
}

type objectKey struct {
	module      ocpi.Module
	countryCode string
	partyID     string
	id          string
}

type storedObject struct {
	key       objectKey
	raw       json.RawMessage
	updatedAt time.Time
}

// Objects is the hub-hosted copy of pushed objects, served to requests that
// name no target party.
type Objects struct {
	mu   sync.RWMutex
	objs map[objectKey]storedObject
	// keys pushed straight to a peer; the hub keeps no body for them
	relayed map[objectKey]struct{}
}

func NewObjects() *Objects {
	return &Objects{
		objs:    make(map[objectKey]storedObject),
		relayed: make(map[objectKey]struct{}),
	}
}

func keyOf(module ocpi.Module, obj pushed) objectKey {
	return objectKey{module: module, countryCode: obj.CountryCode, partyID: obj.PartyID, id: obj.key(module)}
}

// Put inserts or replaces an object and reports whether the hub had never
// seen its key before.
func (o *Objects) Put(module ocpi.Module, obj pushed, at time.Time) bool {
	k := keyOf(module, obj)
	o.mu.Lock()
	defer o.mu.Unlock()
	_, stored := o.objs[k]
	_, relayed := o.relayed[k]
	o.objs[k] = storedObject{key: k, raw: obj.raw, updatedAt: at}
	return !stored && !relayed
}

// Relayed records the key of an object forwarded to a peer and reports
// whether the hub had never seen it before.
func (o *Objects) Relayed(module ocpi.Module, obj pushed) bool {
	k := keyOf(module, obj)
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.objs[k]; ok {
		return false
	}
	if _, ok := o.relayed[k]; ok {
		return false
	}
	o.relayed[k] = struct{}{}
	return true
}

// Page is a window of objects plus the total matching count.
type Page struct {
	Items  []json.RawMessage
	Total  int
	Offset int
	Limit  int
}

// List returns the objects of module visible to caller, ordered by owner
// then id.
func (o *Objects) List(module ocpi.Module, caller party.Tuple, offset, limit int) Page {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}

	o.mu.RLock()
	var visible []storedObject
	for k, obj := range o.objs {
		if k.module == module && visibleTo(caller, k) {
			visible = append(visible, obj)
		}
	}
	o.mu.RUnlock()

	sort.Slice(visible, func(i, j int) bool {
		a, b := visible[i].key, visible[j].key
		if a.countryCode != b.countryCode {
			return a.countryCode < b.countryCode
		}
		if a.partyID != b.partyID {
			return a.partyID < b.partyID
		}
		return strings.Compare(a.id, b.id) < 0
	})

	page := Page{Total: len(visible), Offset: offset, Limit: limit, Items: []json.RawMessage{}}
	if offset >= len(visible) {
		return page
	}
	end := offset + limit
	if end > len(visible) {
		end = len(visible)
	}
	for _, obj := range visible[offset:end] {
		page.Items = append(page.Items, obj.raw)
	}
	return page
}

// visibleTo: parties read their own pushes; the counter role reads everything.
func visibleTo(caller party.Tuple, k objectKey) bool {
	own := k.countryCode == caller.CountryCode && k.partyID == caller.PartyID
	switch k.module {
	case ocpi.ModuleLocations, ocpi.ModuleSessions:
		switch caller.Role {
		case party.RoleEMSP:
			return true
		case party.RoleCPO:
			return own
		}
	case ocpi.ModuleTokens:
		switch caller.Role {
		case party.RoleCPO:
			return true
		case party.RoleEMSP:
			return own
		}
	}
	return false
}
