// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command broker runs the QuantomOS upstream session broker.
//
// The broker keeps authenticated sessions to home-server services (Pi-hole,
// Deluge, Transmission, SABnzbd, qBittorrent, Sonarr, Radarr) on behalf of
// the dashboard and exposes them over a small HTTP API.
//
// # Usage
//
//	# Serve with defaults (items.jsonc in the working directory)
//	broker serve
//
//	# Serve with a config file
//	broker serve --config /etc/quantom/broker.yaml
//
//	# Validate config and items file without starting
//	broker check-config --config broker.yaml
//
//	# Encode a secret for the items file
//	BROKER_SECRET_KEY=... broker encrypt-secret
//
// # Environment Variables
//
//   - BROKER_PORT: HTTP port (default: 12080)
//   - BROKER_ITEMS_FILE: Items file path (default: items.jsonc)
//   - BROKER_SECRET_KEY: Master key for encoded secrets
//   - BROKER_API_TOKEN: Bearer token required on /v1 (default: open)
//   - BROKER_LOG_LEVEL: debug, info, warn, error (default: info)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP gRPC collector (default: disabled)
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
