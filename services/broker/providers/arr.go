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
	"strconv"
	"time"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/engine"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

const arrTokenKey = "apikey"

// Arr adapts the Sonarr and Radarr v3 APIs. Both authenticate with an API
// key header; the login step verifies the key against system/status.
type Arr struct {
	base
	refreshCommand string
}

// NewSonarr creates the Sonarr adapter.
func NewSonarr(client *http.Client) *Arr {
	return &Arr{base: base{name: "sonarr", client: client}, refreshCommand: "RefreshSeries"}
}

// NewRadarr creates the Radarr adapter.
func NewRadarr(client *http.Client) *Arr {
	return &Arr{base: base{name: "radarr", client: client}, refreshCommand: "RefreshMovie"}
}

// Name implements engine.Provider.
func (a *Arr) Name() string { return a.name }

// Policy implements engine.Provider.
func (a *Arr) Policy() engine.Policy {
	return engine.Policy{DefaultValidity: time.Hour}
}

// Login implements engine.Provider.
func (a *Arr) Login(ctx context.Context, dest session.Destination, cred session.Credential) (engine.Grant, error) {
	var status struct {
		AppName string `json:"appName"`
		Version string `json:"version"`
	}
	err := a.call(ctx, dest, cred.Secret, http.MethodGet, "/api/v3/system/status", nil, &status)
	if err != nil {
		return engine.Grant{}, a.loginFailure(err, "API key rejected")
	}
	if status.Version == "" {
		return engine.Grant{}, engine.NewError(engine.KindProtocol, a.name, http.StatusOK, "not an *arr API", nil)
	}
	return engine.Grant{Tokens: session.Tokens{arrTokenKey: cred.Secret}}, nil
}

// Logout implements engine.Provider. API keys are not sessions.
func (a *Arr) Logout(ctx context.Context, snap session.Snapshot) error {
	return nil
}

// Stats implements engine.Provider.
func (a *Arr) Stats(ctx context.Context, snap session.Snapshot) (engine.Stats, *session.Rotation, error) {
	var qs struct {
		TotalCount int  `json:"totalCount"`
		Count      int  `json:"count"`
		Errors     bool `json:"errors"`
		Warnings   bool `json:"warnings"`
	}
	if err := a.call(ctx, snap.Destination, snap.Token(arrTokenKey), http.MethodGet, "/api/v3/queue/status", nil, &qs); err != nil {
		return engine.Stats{}, nil, err
	}
	status := "ok"
	switch {
	case qs.Errors:
		status = "error"
	case qs.Warnings:
		status = "warning"
	}
	return engine.Stats{Active: qs.Count, Total: qs.TotalCount, Status: status}, nil, nil
}

// Items implements engine.Provider. Returns the download queue.
func (a *Arr) Items(ctx context.Context, snap session.Snapshot) ([]engine.Item, *session.Rotation, error) {
	var queue struct {
		Records []struct {
			ID       int64   `json:"id"`
			Title    string  `json:"title"`
			Status   string  `json:"status"`
			Size     float64 `json:"size"`
			SizeLeft float64 `json:"sizeleft"`
		} `json:"records"`
	}
	if err := a.call(ctx, snap.Destination, snap.Token(arrTokenKey), http.MethodGet, "/api/v3/queue?pageSize=50", nil, &queue); err != nil {
		return nil, nil, err
	}
	items := make([]engine.Item, 0, len(queue.Records))
	for _, r := range queue.Records {
		progress := 0.0
		if r.Size > 0 {
			progress = (r.Size - r.SizeLeft) / r.Size
		}
		items = append(items, engine.Item{
			ID:       strconv.FormatInt(r.ID, 10),
			Name:     r.Title,
			State:    r.Status,
			Progress: progress,
			Size:     int64(r.Size),
		})
	}
	return items, nil, nil
}

// Action implements engine.Provider. Supports refresh (library rescan) and
// delete (queue entries).
func (a *Arr) Action(ctx context.Context, snap session.Snapshot, action engine.Action) (*session.Rotation, error) {
	key := snap.Token(arrTokenKey)
	switch action.Name {
	case engine.ActionRefresh:
		return nil, a.call(ctx, snap.Destination, key, http.MethodPost, "/api/v3/command",
			map[string]string{"name": a.refreshCommand}, nil)
	case engine.ActionDelete:
		for _, id := range action.IDs {
			path := "/api/v3/queue/" + id + "?removeFromClient=" + strconv.FormatBool(action.DeleteData)
			if err := a.call(ctx, snap.Destination, key, http.MethodDelete, path, nil, nil); err != nil {
				return nil, err
			}
		}
		return nil, nil
	default:
		return nil, a.unsupported(action.Name)
	}
}

// call performs a request with the API key header and decodes into out
// when it is non-nil.
func (a *Arr) call(ctx context.Context, dest session.Destination, key, method, path string, body, out any) error {
	header := http.Header{}
	header.Set("X-Api-Key", key)
	resp, err := a.send(ctx, request{method: method, url: endpoint(dest, path), header: header, jsonBody: body})
	if err != nil {
		return err
	}
	switch {
	case resp.status == http.StatusUnauthorized:
		return engine.SessionInvalid(a.name, resp.status, nil)
	case resp.status < 200 || resp.status >= 300:
		return a.unexpected(resp)
	}
	if out == nil {
		return nil
	}
	return a.decode(resp, out)
}

var _ engine.Provider = (*Arr)(nil)
