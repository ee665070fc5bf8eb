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
	"net/http"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/engine"
)

// NewRegistry returns a registry holding every adapter, sharing client.
func NewRegistry(client *http.Client) *engine.Registry {
	return engine.NewRegistry(
		NewPihole(client),
		NewDeluge(client),
		NewTransmission(client),
		NewSabnzbd(client),
		NewQbittorrent(client),
		NewSonarr(client),
		NewRadarr(client),
	)
}
