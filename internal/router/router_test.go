package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ocpihub.org/internal/audit"
	"ocpihub.org/internal/credentials"
	"ocpihub.org/internal/events"
	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/party"
	"ocpihub.org/internal/stats"
)

type peerCall struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   string
}

// peer is a fake party backend recording what the hub sends it.
type peer struct {
	srv    *httptest.Server
	mu     sync.Mutex
	calls  []peerCall
	status atomic.Int32
	delay  atomic.Int64
}

func newPeer(t *testing.T) *peer {
	p := &peer{}
	p.status.Store(http.StatusOK)
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		p.mu.Lock()
		p.calls = append(p.calls, peerCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Header: r.Header.Clone(), Body: string(body)})
		p.mu.Unlock()
		if d := time.Duration(p.delay.Load()); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(p.status.Load()))
		_, _ = w.Write([]byte(`{"data":[],"status_code":1000,"status_message":"Success","timestamp":"2024-01-01T00:00:00Z"}`))
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *peer) Calls() []peerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]peerCall(nil), p.calls...)
}

func (p *peer) endpoints() []ocpi.Endpoint {
	var eps []ocpi.Endpoint
	for _, m := range ocpi.Routable {
		for _, r := range []ocpi.InterfaceRole{ocpi.Sender, ocpi.Receiver} {
			eps = append(eps, ocpi.Endpoint{Module: m, Role: r, URL: p.srv.URL + "/" + string(r) + "/" + string(m)})
		}
	}
	return eps
}

type hub struct {
	registry *party.Registry
	engine   *credentials.Engine
	router   *Router
	bus      *events.Bus
}

type member struct {
	org   party.Organization
	token string
}

func newHub(t *testing.T, opts ...Option) *hub {
	t.Helper()
	log := zap.NewNop()
	engine := credentials.NewEngine(credentials.NewMemStore(),
		credentials.WithLogger(log),
		credentials.WithAudit(audit.NewMemory()))
	registry := party.NewRegistry(party.NewMemStore(), engine, party.WithLogger(log))
	engine.OnActivate(registry.Promote)
	bus := events.New()
	base := []Option{
		WithLogger(log),
		WithEvents(bus),
		WithForwarder(&Forwarder{Timeout: 2 * time.Second, InitialBackoff: time.Millisecond}),
	}
	return &hub{
		registry: registry,
		engine:   engine,
		bus:      bus,
		router:   New(engine, registry, append(base, opts...)...),
	}
}

// join registers a party and runs the handshake. A nil peer leaves the
// party without reachable endpoints.
func (h *hub) join(t *testing.T, country, partyID string, role party.Role, p *peer) member {
	t.Helper()
	ctx := context.Background()
	reg, err := h.registry.Register(ctx, party.RegisterRequest{
		Name: partyID, CountryCode: country, PartyID: partyID, Role: string(role),
	})
	require.NoError(t, err)

	eps := []ocpi.Endpoint{{Module: ocpi.ModuleCredentials, Role: ocpi.Receiver, URL: "https://unused.example/credentials"}}
	if p != nil {
		eps = p.endpoints()
	}
	obj, err := h.engine.Exchange(ctx, reg.Token, credentials.Object{
		Token: "peer-token-" + partyID, URL: "https://" + partyID + ".example/versions", Endpoints: eps,
	})
	require.NoError(t, err)
	_, err = h.engine.Authenticate(ctx, obj.Token)
	require.NoError(t, err)

	org, err := h.registry.Get(ctx, reg.ID)
	require.NoError(t, err)
	require.Equal(t, party.StatusRegistered, org.Status)
	return member{org: org, token: obj.Token}
}

func target(m member) *party.Tuple {
	t := m.org.Tuple()
	return &t
}

func locationBody(country, partyID, id string) []byte {
	b, _ := json.Marshal(map[string]any{"country_code": country, "party_id": partyID, "id": id, "name": "Station " + id})
	return b
}

func TestHandshakeThenCPOPullsLocations(t *testing.T) {
	h := newHub(t)
	cpo := h.join(t, "NL", "CPO", party.RoleCPO, newPeer(t))

	res, err := h.router.Dispatch(context.Background(), Request{
		CallerToken: cpo.token, Module: ocpi.ModuleLocations, Method: http.MethodGet,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.True(t, res.Local)

	var env ocpi.Response
	require.NoError(t, json.Unmarshal(res.Body, &env))
	assert.Equal(t, ocpi.StatusSuccess, env.StatusCode)
}

func TestEMSPCannotPushLocations(t *testing.T) {
	h := newHub(t)
	cpo := h.join(t, "NL", "CPO", party.RoleCPO, newPeer(t))
	emsp := h.join(t, "DE", "MSP", party.RoleEMSP, newPeer(t))

	_, err := h.router.Dispatch(context.Background(), Request{
		CallerToken: emsp.token, Target: target(cpo), Module: ocpi.ModuleLocations, Method: http.MethodPost,
		Body: locationBody("DE", "MSP", "LOC1"),
	})
	require.ErrorIs(t, err, ErrForbidden)
}

func TestRolePolicy(t *testing.T) {
	cpo := party.Tuple{CountryCode: "NL", PartyID: "CPO", Role: party.RoleCPO}
	cpo2 := party.Tuple{CountryCode: "BE", PartyID: "CP2", Role: party.RoleCPO}
	emsp := party.Tuple{CountryCode: "DE", PartyID: "MSP", Role: party.RoleEMSP}
	emsp2 := party.Tuple{CountryCode: "FR", PartyID: "MS2", Role: party.RoleEMSP}

	cases := []struct {
		name   string
		caller party.Tuple
		module ocpi.Module
		method string
		target *party.Tuple
		want   error
	}{
		{"cpo pushes location to emsp", cpo, ocpi.ModuleLocations, http.MethodPut, &emsp, nil},
		{"cpo pushes session locally", cpo, ocpi.ModuleSessions, http.MethodPost, nil, nil},
		{"cpo pushes location to cpo", cpo, ocpi.ModuleLocations, http.MethodPut, &cpo2, ErrForbidden},
		{"emsp pushes session", emsp, ocpi.ModuleSessions, http.MethodPost, &cpo, ErrForbidden},
		{"emsp pulls locations from cpo", emsp, ocpi.ModuleLocations, http.MethodGet, &cpo, nil},
		{"cpo pulls locations from cpo", cpo, ocpi.ModuleLocations, http.MethodGet, &cpo2, nil},
		{"emsp pulls locations from emsp", emsp, ocpi.ModuleLocations, http.MethodGet, &emsp2, ErrForbidden},
		{"emsp pushes token to cpo", emsp, ocpi.ModuleTokens, http.MethodPut, &cpo, nil},
		{"emsp pushes token to emsp", emsp, ocpi.ModuleTokens, http.MethodPut, &emsp2, ErrForbidden},
		{"cpo pushes token", cpo, ocpi.ModuleTokens, http.MethodPost, &emsp, ErrForbidden},
		{"cpo pulls tokens from emsp", cpo, ocpi.ModuleTokens, http.MethodGet, &emsp, nil},
		{"cpo pulls tokens from cpo", cpo, ocpi.ModuleTokens, http.MethodGet, &cpo2, ErrForbidden},
		{"emsp pulls tokens locally", emsp, ocpi.ModuleTokens, http.MethodGet, nil, nil},
		{"self target", cpo, ocpi.ModuleLocations, http.MethodGet, &cpo, ErrForbidden},
		{"credentials not routed", cpo, ocpi.ModuleCredentials, http.MethodGet, nil, ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := authorize(tc.caller, tc.module, tc.method, tc.target)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestPushRejectsForeignOwnership(t *testing.T) {
	h := newHub(t)
	cpo := h.join(t, "NL", "CPO", party.RoleCPO, nil)

	_, err := h.router.Dispatch(context.Background(), Request{
		CallerToken: cpo.token, Module: ocpi.ModuleLocations, Method: http.MethodPut,
		Body: locationBody("NL", "XYZ", "LOC1"),
	})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = h.router.Dispatch(context.Background(), Request{
		CallerToken: cpo.token, Module: ocpi.ModuleLocations, Method: http.MethodPut,
		Body: []byte(`{"country_code":"NL","party_id":"CPO"}`),
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestForwardPushUsesReceiverAndPeerToken(t *testing.T) {
	h := newHub(t)
	cpo := h.join(t, "NL", "CPO", party.RoleCPO, newPeer(t))
	emspPeer := newPeer(t)
	emsp := h.join(t, "DE", "MSP", party.RoleEMSP, emspPeer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	evts := h.bus.Subscribe(ctx)

	res, err := h.router.Dispatch(context.Background(), Request{
		CallerToken: cpo.token, Target: target(emsp), Module: ocpi.ModuleLocations, Method: http.MethodPut,
		CorrelationID: "corr-1", RequestID: "req-1", Body: locationBody("NL", "CPO", "LOC1"),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.False(t, res.Local)

	calls := emspPeer.Calls()
	require.Len(t, calls, 1)
	c := calls[0]
	assert.Equal(t, http.MethodPut, c.Method)
	assert.Equal(t, "/RECEIVER/locations", c.Path)
	assert.Equal(t, "Token peer-token-MSP", c.Header.Get("Authorization"))
	assert.Equal(t, "req-1", c.Header.Get("X-Request-ID"))
	assert.Equal(t, "corr-1", c.Header.Get("X-Correlation-ID"))
	assert.Equal(t, "NL", c.Header.Get("OCPI-from-country-code"))
	assert.Equal(t, "MSP", c.Header.Get("OCPI-to-party-id"))
	assert.JSONEq(t, string(locationBody("NL", "CPO", "LOC1")), c.Body)

	select {
	case evt := <-evts:
		assert.Equal(t, events.ModuleDispatched, evt.Kind)
		assert.Equal(t, "locations", evt.Module)
	case <-time.After(time.Second):
		t.Fatal("no dispatch event")
	}
}

func TestForwardToPartyOnboardedWithMixedCaseEndpoints(t *testing.T) {
	h := newHub(t)
	cpo := h.join(t, "NL", "CPO", party.RoleCPO, newPeer(t))

	ctx := context.Background()
	emspPeer := newPeer(t)
	reg, err := h.registry.Register(ctx, party.RegisterRequest{Name: "MSP", CountryCode: "DE", PartyID: "MSP", Role: "EMSP"})
	require.NoError(t, err)
	obj, err := h.engine.Exchange(ctx, reg.Token, credentials.Object{
		Token: "peer-token-MSP",
		URL:   "https://msp.example/versions",
		Endpoints: []ocpi.Endpoint{
			{Module: "Locations", Role: "receiver", URL: emspPeer.srv.URL + "/receiver/locations"},
		},
	})
	require.NoError(t, err)
	_, err = h.engine.Authenticate(ctx, obj.Token)
	require.NoError(t, err)
	org, err := h.registry.Get(ctx, reg.ID)
	require.NoError(t, err)

	res, err := h.router.Dispatch(ctx, Request{
		CallerToken: cpo.token, Target: target(member{org: org}), Module: ocpi.ModuleLocations, Method: http.MethodPut,
		Body: locationBody("NL", "CPO", "LOC1"),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)

	calls := emspPeer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/receiver/locations", calls[0].Path)
}

func TestForwardPullUsesSenderWithQuery(t *testing.T) {
	h := newHub(t)
	cpoPeer := newPeer(t)
	cpo := h.join(t, "NL", "CPO", party.RoleCPO, cpoPeer)
	emsp := h.join(t, "DE", "MSP", party.RoleEMSP, newPeer(t))

	_, err := h.router.Dispatch(context.Background(), Request{
		CallerToken: emsp.token, Target: target(cpo), Module: ocpi.ModuleLocations, Method: http.MethodGet,
		Query: url.Values{"limit": {"10"}},
	})
	require.NoError(t, err)
	calls := cpoPeer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/SENDER/locations", calls[0].Path)
	assert.Equal(t, "10", calls[0].Query.Get("limit"))
}

func TestGetRetriesOnUpstreamUnavailable(t *testing.T) {
	h := newHub(t)
	cpoPeer := newPeer(t)
	cpo := h.join(t, "NL", "CPO", party.RoleCPO, cpoPeer)
	emsp := h.join(t, "DE", "MSP", party.RoleEMSP, newPeer(t))
	cpoPeer.status.Store(http.StatusServiceUnavailable)

	res, err := h.router.Dispatch(context.Background(), Request{
		CallerToken: emsp.token, Target: target(cpo), Module: ocpi.ModuleLocations, Method: http.MethodGet,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.Status)
	assert.Len(t, cpoPeer.Calls(), DefaultForwardAttempts)
}

func TestMutatingForwardIsNotRetried(t *testing.T) {
	h := newHub(t)
	cpo := h.join(t, "NL", "CPO", party.RoleCPO, newPeer(t))
	emspPeer := newPeer(t)
	emsp := h.join(t, "DE", "MSP", party.RoleEMSP, emspPeer)
	emspPeer.status.Store(http.StatusBadGateway)

	res, err := h.router.Dispatch(context.Background(), Request{
		CallerToken: cpo.token, Target: target(emsp), Module: ocpi.ModuleSessions, Method: http.MethodPost,
		Body: locationBody("NL", "CPO", "S1"),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, res.Status)
	assert.Len(t, emspPeer.Calls(), 1)
}

func TestForwardTimeout(t *testing.T) {
	h := newHub(t, WithForwarder(&Forwarder{Timeout: 50 * time.Millisecond, Attempts: 1}))
	cpoPeer := newPeer(t)
	cpo := h.join(t, "NL", "CPO", party.RoleCPO, cpoPeer)
	emsp := h.join(t, "DE", "MSP", party.RoleEMSP, newPeer(t))
	cpoPeer.delay.Store(int64(time.Second))

	_, err := h.router.Dispatch(context.Background(), Request{
		CallerToken: emsp.token, Target: target(cpo), Module: ocpi.ModuleSessions, Method: http.MethodGet,
	})
	require.ErrorIs(t, err, ErrUpstreamTimeout)
}

func TestClientCancellationAbortsForward(t *testing.T) {
	h := newHub(t)
	cpoPeer := newPeer(t)
	cpo := h.join(t, "NL", "CPO", party.RoleCPO, cpoPeer)
	emsp := h.join(t, "DE", "MSP", party.RoleEMSP, newPeer(t))
	cpoPeer.delay.Store(int64(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := h.router.Dispatch(ctx, Request{
		CallerToken: emsp.token, Target: target(cpo), Module: ocpi.ModuleSessions, Method: http.MethodGet,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestUnknownSuspendedAndUnreachableTargets(t *testing.T) {
	h := newHub(t)
	cpo := h.join(t, "NL", "CPO", party.RoleCPO, newPeer(t))
	bare := h.join(t, "DE", "MSP", party.RoleEMSP, nil)
	ctx := context.Background()

	ghost := &party.Tuple{CountryCode: "FR", PartyID: "GHO", Role: party.RoleEMSP}
	_, err := h.router.Dispatch(ctx, Request{
		CallerToken: cpo.token, Target: ghost, Module: ocpi.ModuleLocations, Method: http.MethodPut,
		Body: locationBody("NL", "CPO", "L1"),
	})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = h.router.Dispatch(ctx, Request{
		CallerToken: cpo.token, Target: target(bare), Module: ocpi.ModuleLocations, Method: http.MethodPut,
		Body: locationBody("NL", "CPO", "L1"),
	})
	require.ErrorIs(t, err, ErrNoEndpoint)

	_, err = h.registry.Suspend(ctx, bare.org.ID)
	require.NoError(t, err)
	_, err = h.router.Dispatch(ctx, Request{
		CallerToken: cpo.token, Target: target(bare), Module: ocpi.ModuleLocations, Method: http.MethodPut,
		Body: locationBody("NL", "CPO", "L1"),
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCallerAuthentication(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	cpo := h.join(t, "NL", "CPO", party.RoleCPO, nil)
	get := Request{Module: ocpi.ModuleLocations, Method: http.MethodGet}

	get.CallerToken = "bogus"
	_, err := h.router.Dispatch(ctx, get)
	require.ErrorIs(t, err, ErrUnauthorized)

	// TOKEN_A of a party that never exchanged
	reg, err := h.registry.Register(ctx, party.RegisterRequest{Name: "New", CountryCode: "BE", PartyID: "NEW", Role: "CPO"})
	require.NoError(t, err)
	get.CallerToken = reg.Token
	_, err = h.router.Dispatch(ctx, get)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.registry.Suspend(ctx, cpo.org.ID)
	require.NoError(t, err)
	get.CallerToken = cpo.token
	_, err = h.router.Dispatch(ctx, get)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.registry.Reinstate(ctx, cpo.org.ID)
	require.NoError(t, err)
	_, err = h.router.Dispatch(ctx, get)
	require.NoError(t, err)

	require.NoError(t, h.engine.Revoke(ctx, cpo.token))
	_, err = h.router.Dispatch(ctx, get)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestDedupeReplaysRecordedOutcome(t *testing.T) {
	h := newHub(t)
	cpo := h.join(t, "NL", "CPO", party.RoleCPO, newPeer(t))
	emspPeer := newPeer(t)
	emsp := h.join(t, "DE", "MSP", party.RoleEMSP, emspPeer)

	req := Request{
		CallerToken: cpo.token, Target: target(emsp), Module: ocpi.ModuleLocations, Method: http.MethodPost,
		CorrelationID: "corr-9", Body: locationBody("NL", "CPO", "LOC9"),
	}
	first, err := h.router.Dispatch(context.Background(), req)
	require.NoError(t, err)
	second, err := h.router.Dispatch(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Body, second.Body)
	assert.Len(t, emspPeer.Calls(), 1, "executed at most once")

	req.CorrelationID = "corr-10"
	_, err = h.router.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, emspPeer.Calls(), 2)
}

func TestDedupeReleasesOnTransportFailure(t *testing.T) {
	h := newHub(t)
	cpo := h.join(t, "NL", "CPO", party.RoleCPO, newPeer(t))
	emspPeer := newPeer(t)
	emsp := h.join(t, "DE", "MSP", party.RoleEMSP, emspPeer)
	emspPeer.srv.Close()

	req := Request{
		CallerToken: cpo.token, Target: target(emsp), Module: ocpi.ModuleLocations, Method: http.MethodPost,
		CorrelationID: "corr-x", Body: locationBody("NL", "CPO", "L1"),
	}
	_, err := h.router.Dispatch(context.Background(), req)
	require.ErrorIs(t, err, ErrUpstream)
	_, err = h.router.Dispatch(context.Background(), req)
	require.ErrorIs(t, err, ErrUpstream, "a failed attempt does not poison the correlation id")
}

func TestDedupeInFlight(t *testing.T) {
	h := newHub(t)
	cpo := h.join(t, "NL", "CPO", party.RoleCPO, newPeer(t))
	emspPeer := newPeer(t)
	emsp := h.join(t, "DE", "MSP", party.RoleEMSP, emspPeer)
	emspPeer.delay.Store(int64(300 * time.Millisecond))

	req := Request{
		CallerToken: cpo.token, Target: target(emsp), Module: ocpi.ModuleLocations, Method: http.MethodPost,
		CorrelationID: "corr-slow", Body: locationBody("NL", "CPO", "L1"),
	}
	done := make(chan error, 1)
	go func() {
		_, err := h.router.Dispatch(context.Background(), req)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(emspPeer.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	_, err := h.router.Dispatch(context.Background(), req)
	require.ErrorIs(t, err, ErrInFlight)
	require.NoError(t, <-done)
}

func TestLocalStorePagingAndVisibility(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	cpoA := h.join(t, "NL", "AAA", party.RoleCPO, nil)
	cpoB := h.join(t, "NL", "BBB", party.RoleCPO, nil)
	emsp := h.join(t, "DE", "MSP", party.RoleEMSP, nil)

	for _, id := range []string{"L1", "L2", "L3"} {
		_, err := h.router.Dispatch(ctx, Request{CallerToken: cpoA.token, Module: ocpi.ModuleLocations, Method: http.MethodPut, Body: locationBody("NL", "AAA", id)})
		require.NoError(t, err)
	}
	_, err := h.router.Dispatch(ctx, Request{CallerToken: cpoB.token, Module: ocpi.ModuleLocations, Method: http.MethodPut, Body: locationBody("NL", "BBB", "L9")})
	require.NoError(t, err)

	list := func(m member, q url.Values) (int, []json.RawMessage, string) {
		res, err := h.router.Dispatch(ctx, Request{CallerToken: m.token, Module: ocpi.ModuleLocations, Method: http.MethodGet, Query: q})
		require.NoError(t, err)
		var env struct {
			Data []json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(res.Body, &env))
		return len(env.Data), env.Data, res.Header.Get("X-Total-Count")
	}

	n, _, total := list(cpoA, nil)
	assert.Equal(t, 3, n)
	assert.Equal(t, "3", total)

	n, _, total = list(emsp, nil)
	assert.Equal(t, 4, n)
	assert.Equal(t, "4", total)

	n, data, _ := list(emsp, url.Values{"offset": {"1"}, "limit": {"2"}})
	assert.Equal(t, 2, n)
	assert.Contains(t, string(data[0]), `"L2"`)

	_, err = h.router.Dispatch(ctx, Request{CallerToken: emsp.token, Module: ocpi.ModuleLocations, Method: http.MethodGet, Query: url.Values{"limit": {"x"}}})
	require.ErrorIs(t, err, ErrValidation)
}

func TestRepeatedPushesCountOnce(t *testing.T) {
	h := newHub(t)
	cpo := h.join(t, "NL", "CPO", party.RoleCPO, newPeer(t))
	emsp := h.join(t, "DE", "MSP", party.RoleEMSP, newPeer(t))

	agg := stats.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	evts := h.bus.Subscribe(ctx)
	go func() { done <- agg.Run(ctx, evts) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	push := func(tgt *party.Tuple, id string) {
		t.Helper()
		res, err := h.router.Dispatch(context.Background(), Request{
			CallerToken: cpo.token, Target: tgt, Module: ocpi.ModuleLocations, Method: http.MethodPut,
			Body: locationBody("NL", "CPO", id),
		})
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, res.Status)
	}
	for i := 0; i < 3; i++ {
		push(nil, "SAME")
	}
	push(target(emsp), "SAME")
	push(target(emsp), "FWD")
	push(target(emsp), "FWD")

	page := h.router.objects.List(ocpi.ModuleLocations, emsp.org.Tuple(), 0, 0)
	assert.Equal(t, 1, page.Total)

	require.Eventually(t, func() bool {
		return agg.Snapshot().Locations == 2
	}, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool {
		return agg.Snapshot().Locations != 2
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestParseTarget(t *testing.T) {
	tgt, err := ParseTarget("", "", "")
	require.NoError(t, err)
	assert.Nil(t, tgt)

	_, err = ParseTarget("NL", "", "CPO")
	require.ErrorIs(t, err, ErrValidation)

	_, err = ParseTarget("NL", "ABC", "HUB")
	require.ErrorIs(t, err, ErrValidation)

	tgt, err = ParseTarget("NL", "ABC", "cpo")
	require.NoError(t, err)
	assert.Equal(t, party.Tuple{CountryCode: "NL", PartyID: "ABC", Role: party.RoleCPO}, *tgt)
}

func TestMemoryDedupeExpires(t *testing.T) {
	d := NewMemoryDedupe(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	_, replay, err := d.Begin(ctx, "k")
	require.NoError(t, err)
	require.False(t, replay)
	_, _, err = d.Begin(ctx, "k")
	require.ErrorIs(t, err, ErrInFlight)

	require.NoError(t, d.Complete(ctx, "k", Result{Status: 201}))
	res, replay, err := d.Begin(ctx, "k")
	require.NoError(t, err)
	require.True(t, replay)
	assert.Equal(t, 201, res.Status)

	now = now.Add(time.Minute)
	_, replay, err = d.Begin(ctx, "k")
	require.NoError(t, err)
	assert.False(t, replay, "window elapsed")
}
