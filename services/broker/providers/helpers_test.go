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
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

// destFor points a destination at a test server.
func destFor(t *testing.T, srv *httptest.Server, provider string) session.Destination {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return session.Destination{Provider: provider, Host: host, Port: port}
}

// snapshotFor builds a snapshot carrying tokens and, when cred is non-nil,
// a sealed credential.
func snapshotFor(dest session.Destination, tokens session.Tokens, cred *session.Credential) session.Snapshot {
	now := time.Now()
	rec := session.NewRecord("test", dest, tokens, now, now.Add(time.Hour))
	if cred != nil {
		rec.SealCredential(*cred)
	}
	return rec.Snapshot()
}

func testHTTPClient() *http.Client {
	return NewHTTPClient(ClientOptions{Timeout: 5 * time.Second})
}

// recordingTransport notes when each request leaves the client.
type recordingTransport struct {
	mu   sync.Mutex
	sent []time.Time
	next http.RoundTripper
}

func (r *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r.mu.Lock()
	r.sent = append(r.sent, time.Now())
	r.mu.Unlock()
	return r.next.RoundTrip(req)
}

func (r *recordingTransport) times() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.sent...)
}

// recordingClient wraps testHTTPClient's transport with a recorder.
func recordingClient() (*http.Client, *recordingTransport) {
	client := testHTTPClient()
	rec := &recordingTransport{next: client.Transport}
	client.Transport = rec
	return client, rec
}
