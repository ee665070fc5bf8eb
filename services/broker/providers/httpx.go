// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package providers implements the upstream adapters for the session broker.
//
// # Description
//
// Each adapter supplies only what is specific to its upstream: the login
// handshake, the logout call, how tokens are attached, and how a rejected
// session is reported. Caching, retries, pacing and expiry live in the
// engine.
//
// Supported upstreams:
//   - pihole: Pi-hole v6 REST API (sid + CSRF token)
//   - deluge: Deluge Web UI JSON-RPC (session cookie)
//   - transmission: Transmission RPC (session id header, replayed basic auth)
//   - sabnzbd: SABnzbd API (API key)
//   - qbittorrent: qBittorrent Web API v2 (SID cookie)
//   - sonarr, radarr: *arr v3 API (X-Api-Key)
package providers

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/engine"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

// maxBodyBytes caps how much of an upstream response is read.
const maxBodyBytes = 4 << 20

// ClientOptions configures the shared upstream HTTP client.
//
// # Fields
//
//   - Timeout: Hard per-request ceiling above the engine's own timeouts.
//     Default: 30s.
//   - InsecureTLS: Skip certificate verification. Homelab services often
//     run with self-signed certificates.
type ClientOptions struct {
	Timeout     time.Duration
	InsecureTLS bool
}

// NewHTTPClient builds the traced HTTP client shared by all adapters.
//
// Redirects are not followed; an upstream redirecting an API call is
// reported as a protocol error.
func NewHTTPClient(opts ClientOptions) *http.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed homelab certs
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
		Timeout:   opts.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// =============================================================================
// Request Plumbing
// =============================================================================

// request describes one upstream call. At most one of jsonBody or form is
// set.
type request struct {
	method   string
	url      string
	header   http.Header
	jsonBody any
	form     url.Values
	user     string
	pass     string
	useBasic bool
}

// response is a fully read upstream response.
type response struct {
	status int
	header http.Header
	body   []byte
}

// cookie returns the named Set-Cookie value or "".
func (r response) cookie(name string) string {
	resp := http.Response{Header: r.header}
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// base holds what every adapter shares.
type base struct {
	name   string
	client *http.Client
}

// send waits for the destination's pacing slot, performs the call and
// reads the body. Transport failures are returned unwrapped so the engine
// classifies them as connection errors.
func (b base) send(ctx context.Context, r request) (response, error) {
	if err := engine.Pace(ctx); err != nil {
		return response{}, err
	}

	var body io.Reader
	header := r.header.Clone()
	if header == nil {
		header = http.Header{}
	}
	switch {
	case r.jsonBody != nil:
		data, err := json.Marshal(r.jsonBody)
		if err != nil {
			return response{}, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
		header.Set("Content-Type", "application/json")
	case r.form != nil:
		body = strings.NewReader(r.form.Encode())
		header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return response{}, engine.NewError(engine.KindMisconfigured, b.name, 0, "invalid request URL", err)
	}
	req.Header = header
	req.Header.Set("Accept", "application/json")
	if r.useBasic {
		req.SetBasicAuth(r.user, r.pass)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return response{}, err
	}
	return response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// decode parses a JSON body into out.
func (b base) decode(resp response, out any) error {
	if err := json.Unmarshal(resp.body, out); err != nil {
		return engine.NewError(engine.KindProtocol, b.name, resp.status, "invalid JSON response", err)
	}
	return nil
}

// unexpected reports a status the adapter does not handle.
func (b base) unexpected(resp response) error {
	return engine.NewError(engine.KindProtocol, b.name, resp.status,
		fmt.Sprintf("unexpected status %d", resp.status), nil)
}

// unsupported reports an action the adapter does not implement.
func (b base) unsupported(action string) error {
	return engine.NewError(engine.KindUnsupported, b.name, 0, "action "+action+" is not supported", nil)
}

// loginFailure turns a rejected-session signal raised during login into a
// credential failure.
func (b base) loginFailure(err error, message string) error {
	if engine.KindOf(err) == engine.KindSessionInvalid {
		return engine.NewError(engine.KindInvalidCredential, b.name, engine.Classify(b.name, err).StatusCode, message, nil)
	}
	return err
}

// endpoint joins the destination base URL and path.
func endpoint(dest session.Destination, path string) string {
	return dest.BaseURL() + path
}

// sortItems orders items by name, then id, for stable output.
func sortItems(items []engine.Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Name != items[j].Name {
			return items[i].Name < items[j].Name
		}
		return items[i].ID < items[j].ID
	})
}
