package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"ocpihub.org/internal/auth"
	"ocpihub.org/internal/config"
	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/party"
	"ocpihub.org/internal/stats"
)

func TestSmokeAgainstInMemoryHub(t *testing.T) {
	t.Cleanup(obs.SetLogger(zap.NewNop()))

	c := config.Default()
	h, err := buildHub(context.Background(), c, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, h.Close()) })

	srv := httptest.NewServer(h.api.Handler())
	t.Cleanup(srv.Close)

	var out bytes.Buffer
	s := &smoke{base: srv.URL, client: srv.Client(), out: &out}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.run(ctx))
	require.Contains(t, out.String(), "smoke passed")
	require.Equal(t, 2, strings.Count(out.String(), "onboarded"))
}

func TestStatsSeeWorkDoneBeforeAggregatorStarts(t *testing.T) {
	t.Cleanup(obs.SetLogger(zap.NewNop()))

	h, err := buildHub(context.Background(), config.Default(), zap.NewNop())
	require.NoError(t, err)
	srv := httptest.NewServer(h.api.Handler())
	t.Cleanup(srv.Close)

	s := &smoke{base: srv.URL, client: srv.Client(), out: &bytes.Buffer{}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := party.RegisterRequest{Name: "Early", CountryCode: "NL", PartyID: "ERL", Role: "CPO"}
	require.NoError(t, s.call(ctx, http.MethodPost, "/organizations/register", "", req, http.StatusCreated, nil))

	done := make(chan error, 1)
	go func() { done <- h.stats.Run(ctx, h.feed) }()
	require.Eventually(t, func() bool {
		return h.stats.Snapshot() == stats.Snapshot{CPOs: 1}
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Close())
	require.NoError(t, <-done, "closing the hub ends the feed")
}

type fakeSweeper struct {
	cutoff time.Time
	ids    []string
	err    error
}

func (f *fakeSweeper) DeleteOrphans(_ context.Context, cutoff time.Time) ([]string, error) {
	f.cutoff = cutoff
	return f.ids, f.err
}

func TestSweepOrphansLogsEachRemovedRegistration(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	s := &fakeSweeper{ids: []string{"org_1", "org_2"}}
	require.NoError(t, sweepOrphans(context.Background(), s, now, zap.New(core)))
	require.Equal(t, now.Add(-orphanAge), s.cutoff)

	entries := logs.FilterMessage("removed orphaned registration").All()
	require.Len(t, entries, 2)
	require.Equal(t, "org_1", entries[0].ContextMap()["organization_id"])

	s = &fakeSweeper{err: errors.New("db down")}
	require.ErrorContains(t, sweepOrphans(context.Background(), s, now, zap.NewNop()), "db down")
}

func TestAdminTokenCommand(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = config.Default()
	cfg.AdminJWTSecret = "cli-secret"

	var out bytes.Buffer
	cmd := adminTokenCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--subject", "alice", "--ttl", "5m"})
	require.NoError(t, cmd.Execute())

	issuer, err := auth.NewIssuer("cli-secret")
	require.NoError(t, err)
	claims, err := issuer.ParseAndValidate(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.True(t, claims.HasRole(auth.RoleAdmin))
	require.WithinDuration(t, time.Now().Add(5*time.Minute), claims.ExpiresAt.Time, 5*time.Second)
}

func TestAdminTokenRequiresSecret(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = config.Default()

	cmd := adminTokenCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})
	require.ErrorContains(t, cmd.Execute(), "no admin JWT secret")
}

func TestMigrateRequiresDSN(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = config.Default()

	cmd := migrateCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	cmd.SetArgs([]string{"sideways"})
	require.Error(t, cmd.Execute())

	cmd.SetArgs([]string{"up"})
	require.ErrorContains(t, cmd.Execute(), "missing DSN")
}
