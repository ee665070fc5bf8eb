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
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/engine"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

const sabnzbdTokenKey = "apikey"

// Sabnzbd adapts the SABnzbd API. The "session" is the verified API key.
type Sabnzbd struct {
	base
}

// NewSabnzbd creates the adapter.
func NewSabnzbd(client *http.Client) *Sabnzbd {
	return &Sabnzbd{base: base{name: "sabnzbd", client: client}}
}

// Name implements engine.Provider.
func (s *Sabnzbd) Name() string { return s.name }

// Policy implements engine.Provider.
func (s *Sabnzbd) Policy() engine.Policy {
	return engine.Policy{DefaultValidity: time.Hour}
}

type sabnzbdStatus struct {
	Status *bool  `json:"status"`
	Error  string `json:"error"`
}

type sabnzbdQueue struct {
	Queue struct {
		Status         string `json:"status"`
		Paused         bool   `json:"paused"`
		KBPerSec       string `json:"kbpersec"`
		NoOfSlotsTotal int    `json:"noofslots_total"`
		MBLeft         string `json:"mbleft"`
		Slots          []struct {
			NzoID      string `json:"nzo_id"`
			Filename   string `json:"filename"`
			Status     string `json:"status"`
			Percentage string `json:"percentage"`
			MB         string `json:"mb"`
		} `json:"slots"`
	} `json:"queue"`
}

// Login implements engine.Provider. mode=version checks reachability;
// mode=queue checks the key.
func (s *Sabnzbd) Login(ctx context.Context, dest session.Destination, cred session.Credential) (engine.Grant, error) {
	var version struct {
		Version string `json:"version"`
	}
	if err := s.api(ctx, dest, "", url.Values{"mode": {"version"}}, &version); err != nil {
		return engine.Grant{}, s.loginFailure(err, "API key rejected")
	}
	if version.Version == "" {
		return engine.Grant{}, engine.NewError(engine.KindProtocol, s.name, http.StatusOK, "not a SABnzbd API", nil)
	}

	var queue sabnzbdQueue
	if err := s.api(ctx, dest, cred.Secret, url.Values{"mode": {"queue"}, "limit": {"1"}}, &queue); err != nil {
		return engine.Grant{}, s.loginFailure(err, "API key rejected")
	}
	return engine.Grant{Tokens: session.Tokens{sabnzbdTokenKey: cred.Secret}}, nil
}

// Logout implements engine.Provider. API keys are not sessions.
func (s *Sabnzbd) Logout(ctx context.Context, snap session.Snapshot) error {
	return nil
}

// Stats implements engine.Provider.
func (s *Sabnzbd) Stats(ctx context.Context, snap session.Snapshot) (engine.Stats, *session.Rotation, error) {
	queue, err := s.queue(ctx, snap)
	if err != nil {
		return engine.Stats{}, nil, err
	}
	kbps, _ := strconv.ParseFloat(queue.Queue.KBPerSec, 64)
	mbLeft, _ := strconv.ParseFloat(queue.Queue.MBLeft, 64)
	active := 0
	for _, slot := range queue.Queue.Slots {
		if slot.Status == "Downloading" {
			active++
		}
	}
	return engine.Stats{
		DownloadRate: int64(kbps * 1024),
		Active:       active,
		Total:        queue.Queue.NoOfSlotsTotal,
		Status:       strings.ToLower(queue.Queue.Status),
		Counters:     map[string]float64{"mb_left": mbLeft},
	}, nil, nil
}

// Items implements engine.Provider.
func (s *Sabnzbd) Items(ctx context.Context, snap session.Snapshot) ([]engine.Item, *session.Rotation, error) {
	queue, err := s.queue(ctx, snap)
	if err != nil {
		return nil, nil, err
	}
	items := make([]engine.Item, 0, len(queue.Queue.Slots))
	for _, slot := range queue.Queue.Slots {
		pct, _ := strconv.ParseFloat(slot.Percentage, 64)
		mb, _ := strconv.ParseFloat(slot.MB, 64)
		items = append(items, engine.Item{
			ID:       slot.NzoID,
			Name:     slot.Filename,
			State:    strings.ToLower(slot.Status),
			Progress: pct / 100,
			Size:     int64(mb * 1024 * 1024),
		})
	}
	return items, nil, nil
}

// Action implements engine.Provider. Without IDs pause and resume act on
// the whole queue.
func (s *Sabnzbd) Action(ctx context.Context, snap session.Snapshot, action engine.Action) (*session.Rotation, error) {
	params := url.Values{}
	ids := strings.Join(action.IDs, ",")
	switch action.Name {
	case engine.ActionPause, engine.ActionResume:
		if ids == "" {
			params.Set("mode", action.Name)
		} else {
			params.Set("mode", "queue")
			params.Set("name", action.Name)
			params.Set("value", ids)
		}
	case engine.ActionDelete:
		if ids == "" {
			return nil, engine.NewError(engine.KindProtocol, s.name, 0, "delete needs at least one id", nil)
		}
		params.Set("mode", "queue")
		params.Set("name", "delete")
		params.Set("value", ids)
		if action.DeleteData {
			params.Set("del_files", "1")
		}
	default:
		return nil, s.unsupported(action.Name)
	}

	var status sabnzbdStatus
	if err := s.api(ctx, snap.Destination, snap.Token(sabnzbdTokenKey), params, &status); err != nil {
		return nil, err
	}
	if status.Status != nil && !*status.Status {
		return nil, engine.NewError(engine.KindProtocol, s.name, http.StatusOK, status.Error, nil)
	}
	return nil, nil
}

func (s *Sabnzbd) queue(ctx context.Context, snap session.Snapshot) (sabnzbdQueue, error) {
	var queue sabnzbdQueue
	err := s.api(ctx, snap.Destination, snap.Token(sabnzbdTokenKey), url.Values{"mode": {"queue"}}, &queue)
	return queue, err
}

// api calls /api with params. An "API Key Incorrect" or "API Key Required"
// error reports a rejected session.
func (s *Sabnzbd) api(ctx context.Context, dest session.Destination, key string, params url.Values, out any) error {
	params.Set("output", "json")
	if key != "" {
		params.Set("apikey", key)
	}
	resp, err := s.send(ctx, request{
		method: http.MethodGet,
		url:    endpoint(dest, "/api") + "?" + params.Encode(),
	})
	if err != nil {
		return err
	}
	switch resp.status {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return engine.SessionInvalid(s.name, resp.status, nil)
	default:
		return s.unexpected(resp)
	}

	var status sabnzbdStatus
	_ = s.decode(resp, &status)
	if strings.Contains(status.Error, "API Key") {
		return engine.SessionInvalid(s.name, resp.status, nil)
	}
	if status.Error != "" {
		return engine.NewError(engine.KindProtocol, s.name, resp.status, status.Error, nil)
	}
	return s.decode(resp, out)
}

var _ engine.Provider = (*Sabnzbd)(nil)
