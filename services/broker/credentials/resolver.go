// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/tidwall/jsonc"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/engine"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

// =============================================================================
// Items File
// =============================================================================

// ItemConfig is one widget entry in the items file.
//
// Exactly one secret is used, chosen in order Password, APIKey, Token.
type ItemConfig struct {
	ID           string `json:"id" validate:"required"`
	Type         string `json:"type" validate:"required"`
	Host         string `json:"host" validate:"required"`
	Port         int    `json:"port" validate:"gte=0,lte=65535"`
	SSL          bool   `json:"ssl"`
	BasePath     string `json:"basePath"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	APIKey       string `json:"apiKey"`
	Token        string `json:"token"`
	SessionScope string `json:"sessionScope" validate:"omitempty,oneof=shared user"`
}

// ItemsFile is the top-level layout of the items file.
type ItemsFile struct {
	Items []ItemConfig `json:"items"`
}

// Secret returns the secret to use for this item.
func (c ItemConfig) Secret() string {
	switch {
	case c.Password != "":
		return c.Password
	case c.APIKey != "":
		return c.APIKey
	default:
		return c.Token
	}
}

// resolved is either a usable connection or the reason the entry is not.
type resolved struct {
	conn engine.Connection
	err  error
}

// ParseItems parses items file content.
func ParseItems(data []byte) (ItemsFile, error) {
	var file ItemsFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return ItemsFile{}, fmt.Errorf("parsing items file: %w", err)
	}
	return file, nil
}

// =============================================================================
// FileResolver
// =============================================================================

// FileResolver resolves items from the dashboard items file.
//
// # Description
//
// Entries are validated at load time. A broken entry resolves to
// KindMisconfigured for that item only; the rest of the file stays usable.
// Watch reloads the file when it changes. A reload that fails to parse keeps
// the previous contents.
//
// # Thread Safety
//
// Safe for concurrent use.
type FileResolver struct {
	path      string
	providers map[string]bool
	validate  *validator.Validate
	debounce  time.Duration

	mu    sync.RWMutex
	items map[string]resolved
}

// NewFileResolver loads path.
//
// # Inputs
//
//   - path: Items file path.
//   - providers: Accepted item types. Empty accepts any type.
//
// # Outputs
//
//   - *FileResolver: Loaded resolver.
//   - error: Non-nil when the file cannot be read or parsed.
func NewFileResolver(path string, providers []string) (*FileResolver, error) {
	r := &FileResolver{
		path:      path,
		providers: make(map[string]bool, len(providers)),
		validate:  validator.New(),
		debounce:  250 * time.Millisecond,
		items:     make(map[string]resolved),
	}
	for _, p := range providers {
		r.providers[p] = true
	}
	if err := r.Load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Load re-reads the items file.
func (r *FileResolver) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("reading items file: %w", err)
	}
	file, err := ParseItems(data)
	if err != nil {
		return err
	}

	items := make(map[string]resolved, len(file.Items))
	for _, item := range file.Items {
		if _, dup := items[item.ID]; dup && item.ID != "" {
			items[item.ID] = resolved{err: misconfigured(item, "duplicate item id")}
			continue
		}
		conn, err := r.connection(item)
		items[item.ID] = resolved{conn: conn, err: err}
	}

	r.mu.Lock()
	r.items = items
	r.mu.Unlock()

	slog.Info("Items file loaded", "path", r.path, "items", len(items))
	return nil
}

// Resolve implements engine.Resolver.
func (r *FileResolver) Resolve(ctx context.Context, itemID string) (engine.Connection, error) {
	r.mu.RLock()
	entry, ok := r.items[itemID]
	r.mu.RUnlock()
	if !ok {
		return engine.Connection{}, engine.NewError(engine.KindNotFound, "", 0, "unknown item "+itemID, nil)
	}
	return entry.conn, entry.err
}

// Len returns the number of loaded entries, usable or not.
func (r *FileResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Problems returns the load errors of unusable entries, sorted by item ID.
func (r *FileResolver) Problems() []error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.items))
	for id, entry := range r.items {
		if entry.err != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]error, len(ids))
	for i, id := range ids {
		out[i] = r.items[id].err
	}
	r.mu.RUnlock()
	return out
}

// Watch reloads the file on change until ctx is cancelled.
//
// # Description
//
// The parent directory is watched so editors that replace the file by
// rename are picked up. Bursts of events are collapsed into one reload.
func (r *FileResolver) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(r.path), err)
	}

	go r.watchLoop(ctx, watcher)
	return nil
}

func (r *FileResolver) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	name := filepath.Clean(r.path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(r.debounce)
			} else {
				timer.Reset(r.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := r.Load(); err != nil {
				slog.Warn("Items file reload failed, keeping previous contents",
					"path", r.path, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Items file watcher error", "error", err)
		}
	}
}

// connection validates one entry.
func (r *FileResolver) connection(item ItemConfig) (engine.Connection, error) {
	if err := r.validate.Struct(item); err != nil {
		return engine.Connection{}, misconfigured(item, err.Error())
	}
	if len(r.providers) > 0 && !r.providers[item.Type] {
		return engine.Connection{}, misconfigured(item, "unsupported type "+item.Type)
	}

	host, ssl := item.Host, item.SSL
	switch {
	case strings.HasPrefix(host, "https://"):
		host, ssl = strings.TrimPrefix(host, "https://"), true
	case strings.HasPrefix(host, "http://"):
		host = strings.TrimPrefix(host, "http://")
	}
	host = strings.TrimSuffix(host, "/")
	if host == "" || strings.ContainsAny(host, "/ \t?#@") {
		return engine.Connection{}, misconfigured(item, "invalid host")
	}

	port := item.Port
	if port == 0 {
		port = 80
		if ssl {
			port = 443
		}
	}

	basePath := strings.Trim(item.BasePath, "/")
	if basePath != "" {
		basePath = "/" + basePath
	}

	scope := item.SessionScope
	if scope == "" {
		scope = engine.ScopeShared
	}

	return engine.Connection{
		Destination: session.Destination{
			Provider: item.Type,
			Host:     host,
			Port:     port,
			SSL:      ssl,
			BasePath: basePath,
		},
		Username: item.Username,
		Secret:   item.Secret(),
		Scope:    scope,
	}, nil
}

func misconfigured(item ItemConfig, reason string) error {
	return engine.NewError(engine.KindMisconfigured, item.Type, 0, fmt.Sprintf("item %q: %s", item.ID, reason), nil)
}

// =============================================================================
// StaticResolver
// =============================================================================

// StaticResolver resolves from an in-memory table.
//
// # Thread Safety
//
// Safe for concurrent use.
type StaticResolver struct {
	mu    sync.RWMutex
	items map[string]engine.Connection
}

// NewStaticResolver creates a resolver holding items.
func NewStaticResolver(items map[string]engine.Connection) *StaticResolver {
	r := &StaticResolver{items: make(map[string]engine.Connection, len(items))}
	for id, conn := range items {
		r.items[id] = conn
	}
	return r
}

// Set adds or replaces an item.
func (r *StaticResolver) Set(itemID string, conn engine.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[itemID] = conn
}

// Resolve implements engine.Resolver.
func (r *StaticResolver) Resolve(ctx context.Context, itemID string) (engine.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.items[itemID]
	if !ok {
		return engine.Connection{}, engine.NewError(engine.KindNotFound, "", 0, "unknown item "+itemID, nil)
	}
	return conn, nil
}

var (
	_ engine.Resolver      = (*FileResolver)(nil)
	_ engine.Resolver      = (*StaticResolver)(nil)
	_ engine.SecretDecoder = (*Codec)(nil)
)
