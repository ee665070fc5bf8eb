// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package providers

import (
	"context"
	"net/http"
	"time"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/engine"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

// Pi-hole token names.
const (
	piholeSID  = "sid"
	piholeCSRF = "csrf"
)

// Pihole adapts the Pi-hole v6 REST API.
//
// Pi-hole caps concurrent API sessions ("seats"). Exhausting them returns
// 429 with error key api_seats_exceeded, which maps to KindRateLimited so
// the engine does not make it worse by logging in again.
type Pihole struct {
	base
}

// NewPihole creates the adapter.
func NewPihole(client *http.Client) *Pihole {
	return &Pihole{base: base{name: "pihole", client: client}}
}

// Name implements engine.Provider.
func (p *Pihole) Name() string { return p.name }

// Policy implements engine.Provider.
func (p *Pihole) Policy() engine.Policy {
	return engine.Policy{
		DefaultValidity: 1800 * time.Second,
		PacingInterval:  100 * time.Millisecond,
	}
}

type piholeAuthResponse struct {
	Session struct {
		Valid    bool    `json:"valid"`
		TOTP     bool    `json:"totp"`
		SID      *string `json:"sid"`
		CSRF     *string `json:"csrf"`
		Validity int     `json:"validity"`
		Message  *string `json:"message"`
	} `json:"session"`
}

type piholeErrorResponse struct {
	Error struct {
		Key     string `json:"key"`
		Message string `json:"message"`
		Hint    any    `json:"hint"`
	} `json:"error"`
}

// Login implements engine.Provider.
func (p *Pihole) Login(ctx context.Context, dest session.Destination, cred session.Credential) (engine.Grant, error) {
	resp, err := p.send(ctx, request{
		method:   http.MethodPost,
		url:      endpoint(dest, "/api/auth"),
		jsonBody: map[string]string{"password": cred.Secret},
	})
	if err != nil {
		return engine.Grant{}, err
	}
	if err := p.failure(resp, true); err != nil {
		return engine.Grant{}, err
	}

	var auth piholeAuthResponse
	if err := p.decode(resp, &auth); err != nil {
		return engine.Grant{}, err
	}
	if !auth.Session.Valid {
		return engine.Grant{}, engine.NewError(engine.KindInvalidCredential, p.name, resp.status, "password rejected", nil)
	}
	if auth.Session.TOTP && auth.Session.SID == nil {
		return engine.Grant{}, engine.NewError(engine.KindInvalidCredential, p.name, resp.status, "two-factor authentication required", nil)
	}

	tokens := session.Tokens{}
	if auth.Session.SID != nil {
		tokens[piholeSID] = *auth.Session.SID
	}
	if auth.Session.CSRF != nil {
		tokens[piholeCSRF] = *auth.Session.CSRF
	}
	return engine.Grant{
		Tokens:   tokens,
		Validity: time.Duration(auth.Session.Validity) * time.Second,
	}, nil
}

// Logout implements engine.Provider.
func (p *Pihole) Logout(ctx context.Context, snap session.Snapshot) error {
	if snap.Token(piholeSID) == "" {
		return nil
	}
	resp, err := p.send(ctx, p.authed(snap, http.MethodDelete, "/api/auth", nil))
	if err != nil {
		return err
	}
	switch resp.status {
	case http.StatusOK, http.StatusNoContent, http.StatusUnauthorized, http.StatusNotFound:
		return nil
	default:
		return p.unexpected(resp)
	}
}

type piholeSummary struct {
	Queries struct {
		Total          float64 `json:"total"`
		Blocked        float64 `json:"blocked"`
		PercentBlocked float64 `json:"percent_blocked"`
	} `json:"queries"`
	Clients struct {
		Active int `json:"active"`
		Total  int `json:"total"`
	} `json:"clients"`
	Gravity struct {
		DomainsBeingBlocked float64 `json:"domains_being_blocked"`
	} `json:"gravity"`
}

type piholeBlocking struct {
	Blocking string   `json:"blocking"`
	Timer    *float64 `json:"timer"`
}

// Stats implements engine.Provider.
func (p *Pihole) Stats(ctx context.Context, snap session.Snapshot) (engine.Stats, *session.Rotation, error) {
	var summary piholeSummary
	if err := p.get(ctx, snap, "/api/stats/summary", &summary); err != nil {
		return engine.Stats{}, nil, err
	}
	var blocking piholeBlocking
	if err := p.get(ctx, snap, "/api/dns/blocking", &blocking); err != nil {
		return engine.Stats{}, nil, err
	}

	return engine.Stats{
		Active: summary.Clients.Active,
		Total:  summary.Clients.Total,
		Status: blocking.Blocking,
		Counters: map[string]float64{
			"queries_total":   summary.Queries.Total,
			"queries_blocked": summary.Queries.Blocked,
			"percent_blocked": summary.Queries.PercentBlocked,
			"domains_blocked": summary.Gravity.DomainsBeingBlocked,
		},
	}, nil, nil
}

// Items implements engine.Provider. Returns the top blocked domains.
func (p *Pihole) Items(ctx context.Context, snap session.Snapshot) ([]engine.Item, *session.Rotation, error) {
	var top struct {
		Domains []struct {
			Domain string `json:"domain"`
			Count  int64  `json:"count"`
		} `json:"domains"`
	}
	if err := p.get(ctx, snap, "/api/stats/top_domains?blocked=true", &top); err != nil {
		return nil, nil, err
	}
	items := make([]engine.Item, 0, len(top.Domains))
	for _, d := range top.Domains {
		items = append(items, engine.Item{ID: d.Domain, Name: d.Domain, State: "blocked", Size: d.Count})
	}
	return items, nil, nil
}

// Action implements engine.Provider. Supports disable (with optional timer
// in seconds) and enable.
func (p *Pihole) Action(ctx context.Context, snap session.Snapshot, action engine.Action) (*session.Rotation, error) {
	body := map[string]any{}
	switch action.Name {
	case engine.ActionDisable:
		body["blocking"] = false
		if action.Timer > 0 {
			body["timer"] = action.Timer
		} else {
			body["timer"] = nil
		}
	case engine.ActionEnable:
		body["blocking"] = true
		body["timer"] = nil
	default:
		return nil, p.unsupported(action.Name)
	}

	resp, err := p.send(ctx, p.authed(snap, http.MethodPost, "/api/dns/blocking", body))
	if err != nil {
		return nil, err
	}
	return nil, p.failure(resp, false)
}

// get performs an authenticated GET and decodes the result.
func (p *Pihole) get(ctx context.Context, snap session.Snapshot, path string, out any) error {
	resp, err := p.send(ctx, p.authed(snap, http.MethodGet, path, nil))
	if err != nil {
		return err
	}
	if err := p.failure(resp, false); err != nil {
		return err
	}
	return p.decode(resp, out)
}

func (p *Pihole) authed(snap session.Snapshot, method, path string, body any) request {
	header := http.Header{}
	if sid := snap.Token(piholeSID); sid != "" {
		header.Set("X-FTL-SID", sid)
	}
	if csrf := snap.Token(piholeCSRF); csrf != "" {
		header.Set("X-FTL-CSRF", csrf)
	}
	return request{method: method, url: endpoint(snap.Destination, path), header: header, jsonBody: body}
}

// failure maps non-success responses. During login a 401 means the
// password was wrong; afterwards it means the session is gone.
func (p *Pihole) failure(resp response, login bool) error {
	if resp.status >= 200 && resp.status < 300 {
		return nil
	}

	var apiErr piholeErrorResponse
	_ = p.decode(resp, &apiErr)
	if resp.status == http.StatusTooManyRequests || apiErr.Error.Key == "api_seats_exceeded" {
		return engine.NewError(engine.KindRateLimited, p.name, resp.status, apiErr.Error.Key, nil)
	}

	switch resp.status {
	case http.StatusUnauthorized:
		if login {
			return engine.NewError(engine.KindInvalidCredential, p.name, resp.status, "password rejected", nil)
		}
		return engine.SessionInvalid(p.name, resp.status, nil)
	case http.StatusForbidden:
		if login {
			return engine.NewError(engine.KindInvalidCredential, p.name, resp.status, apiErr.Error.Message, nil)
		}
		return engine.SessionInvalid(p.name, resp.status, nil)
	default:
		msg := apiErr.Error.Message
		if msg == "" {
			msg = http.StatusText(resp.status)
		}
		return engine.NewError(engine.KindProtocol, p.name, resp.status, msg, nil)
	}
}

var _ engine.Provider = (*Pihole)(nil)
