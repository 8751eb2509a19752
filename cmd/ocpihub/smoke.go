package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"ocpihub.org/internal/credentials"
	"ocpihub.org/internal/ids"
	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/party"
)

func smokeCommand() *cobra.Command {
	var (
		baseURL string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Run a registration, handshake and routing round trip against a running hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			if baseURL == "" {
				baseURL = cfg.PublicURL
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			s := &smoke{
				base:   strings.TrimRight(baseURL, "/"),
				client: &http.Client{Timeout: 10 * time.Second},
				out:    cmd.OutOrStdout(),
			}
			return s.run(ctx)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "hub base URL (defaults to the configured public URL)")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall timeout")
	return cmd
}

type smoke struct {
	base   string
	client *http.Client
	out    io.Writer
}

type smokeParty struct {
	reg   party.Registration
	tuple party.Tuple
	token string
}

func (s *smoke) run(ctx context.Context) error {
	if err := s.waitHealthy(ctx); err != nil {
		return err
	}

	// three random [0-9A-Z] characters keep repeated runs apart
	suffix := ids.New()
	partyID := suffix[len(suffix)-3:]

	cpo, err := s.onboard(ctx, party.Tuple{CountryCode: "NL", PartyID: partyID, Role: party.RoleCPO})
	if err != nil {
		return err
	}
	emsp, err := s.onboard(ctx, party.Tuple{CountryCode: "NL", PartyID: partyID, Role: party.RoleEMSP})
	if err != nil {
		return err
	}

	locationID := "SMOKE-" + strings.ToLower(suffix[len(suffix)-8:])
	loc := map[string]any{
		"country_code": cpo.tuple.CountryCode,
		"party_id":     cpo.tuple.PartyID,
		"id":           locationID,
		"name":         "Smoke test station",
	}
	var pushed ocpi.Response
	if err := s.call(ctx, http.MethodPut, "/ocpi/2.3.0/locations", cpo.token, loc, http.StatusOK, &pushed); err != nil {
		return fmt.Errorf("push location: %w", err)
	}

	var pulled struct {
		Data []map[string]any `json:"data"`
	}
	if err := s.call(ctx, http.MethodGet, "/ocpi/2.3.0/locations?limit=1000", emsp.token, nil, http.StatusOK, &pulled); err != nil {
		return fmt.Errorf("pull locations: %w", err)
	}
	found := false
	for _, l := range pulled.Data {
		if l["id"] == locationID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("pull locations: %s not visible to %s", locationID, emsp.tuple)
	}

	fmt.Fprintf(s.out, "smoke passed: cpo=%s emsp=%s location=%s\n", cpo.reg.ID, emsp.reg.ID, locationID)
	return nil
}

func (s *smoke) waitHealthy(ctx context.Context) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 20), ctx)
	return backoff.Retry(func() error {
		return s.call(ctx, http.MethodGet, "/healthz", "", nil, http.StatusOK, nil)
	}, b)
}

// onboard registers t, exchanges credentials with TOKEN_A and activates
// TOKEN_C with a versions call.
func (s *smoke) onboard(ctx context.Context, t party.Tuple) (smokeParty, error) {
	p := smokeParty{tuple: t}
	req := party.RegisterRequest{
		Name:        "Smoke " + t.String(),
		CountryCode: t.CountryCode,
		PartyID:     t.PartyID,
		Role:        string(t.Role),
	}
	if err := s.call(ctx, http.MethodPost, "/organizations/register", "", req, http.StatusCreated, &p.reg); err != nil {
		return p, fmt.Errorf("register %s: %w", t, err)
	}

	peer := "https://" + strings.ToLower(t.PartyID+"-"+string(t.Role)) + ".smoke.invalid/ocpi"
	offer := credentials.Object{
		Token: "smoke-" + p.reg.ID,
		URL:   peer + "/versions",
		Endpoints: []ocpi.Endpoint{
			{Module: ocpi.ModuleCredentials, Role: ocpi.Receiver, URL: peer + "/2.3.0/credentials"},
		},
	}
	var exchanged struct {
		Data credentials.Object `json:"data"`
	}
	if err := s.call(ctx, http.MethodPost, "/ocpi/2.3.0/credentials", p.reg.Token, offer, http.StatusOK, &exchanged); err != nil {
		return p, fmt.Errorf("exchange %s: %w", t, err)
	}
	p.token = exchanged.Data.Token
	if p.token == "" {
		return p, fmt.Errorf("exchange %s: hub returned no token", t)
	}

	if err := s.call(ctx, http.MethodGet, "/ocpi/versions", p.token, nil, http.StatusOK, nil); err != nil {
		return p, fmt.Errorf("activate %s: %w", t, err)
	}

	var org party.Organization
	if err := s.call(ctx, http.MethodGet, "/organizations/"+p.reg.ID, "", nil, http.StatusOK, &org); err != nil {
		return p, fmt.Errorf("lookup %s: %w", t, err)
	}
	if org.Status != party.StatusRegistered {
		return p, fmt.Errorf("%s: status %s after handshake, want %s", t, org.Status, party.StatusRegistered)
	}
	fmt.Fprintf(s.out, "onboarded %s as %s\n", t, org.ID)
	return p, nil
}

func (s *smoke) call(ctx context.Context, method, path, token string, body any, want int, dst any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(raw))
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.Join(fmt.Errorf("%s %s: decode response", method, path), err)
	}
	return nil
}
