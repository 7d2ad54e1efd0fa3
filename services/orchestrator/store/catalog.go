// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Catalog file format
// =============================================================================

// CatalogData is the YAML document loaded by FileCatalog.
//
//	workspaces:
//	  - id: ws1
//	    directories:
//	      - id: okta
//	        name: Okta
//	    applications:
//	      - id: app-fooquery
//	        name: fooquery
//	        aliases: [fq]
//	        directory_id: okta
//	        data_owner: owner@example.com
//	        provision_schema:
//	          role: {description: "Role to grant"}
//	    rules:
//	      - id: r1
//	        when: requester is in the analytics team
//	        then: approve
//	        type: auto_approve
//	        active: true
//	    users:
//	      - email: req@example.com
//	        directory_id: okta
//	        groups: [analytics]
type CatalogData struct {
	Workspaces []WorkspaceCatalog `yaml:"workspaces"`
}

// WorkspaceCatalog holds one workspace's applications, directories and rules.
type WorkspaceCatalog struct {
	ID           string                 `yaml:"id"`
	Directories  []domain.Directory     `yaml:"directories"`
	Applications []domain.Application   `yaml:"applications"`
	Rules        []domain.Rule          `yaml:"rules"`
	Users        []domain.DirectoryUser `yaml:"users"`
}

// ParseCatalog decodes and validates a catalog document.
func ParseCatalog(data []byte) (*CatalogData, error) {
	var doc CatalogData
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks ids are present and unique and verdicts are known.
func (d *CatalogData) Validate() error {
	seen := make(map[string]bool, len(d.Workspaces))
	for i, ws := range d.Workspaces {
		if ws.ID == "" {
			return domain.NewValidationError(fmt.Sprintf("workspaces[%d].id", i), "is required")
		}
		if seen[ws.ID] {
			return domain.NewValidationError(fmt.Sprintf("workspaces[%d].id", i), "duplicate workspace %q", ws.ID)
		}
		seen[ws.ID] = true

		apps := make(map[string]bool, len(ws.Applications))
		for j, app := range ws.Applications {
			field := fmt.Sprintf("workspaces[%s].applications[%d]", ws.ID, j)
			if app.ID == "" || app.Name == "" {
				return domain.NewValidationError(field, "id and name are required")
			}
			if apps[app.ID] {
				return domain.NewValidationError(field, "duplicate application %q", app.ID)
			}
			apps[app.ID] = true
		}
		for j, dir := range ws.Directories {
			if dir.ID == "" {
				return domain.NewValidationError(fmt.Sprintf("workspaces[%s].directories[%d].id", ws.ID, j), "is required")
			}
		}
		for j, rule := range ws.Rules {
			field := fmt.Sprintf("workspaces[%s].rules[%d]", ws.ID, j)
			if rule.ID == "" {
				return domain.NewValidationError(field+".id", "is required")
			}
			if !rule.Then.IsValid() {
				return domain.NewValidationError(field+".then", "must be approve or deny, got %q", rule.Then)
			}
		}
	}
	return nil
}

// =============================================================================
// Catalog
// =============================================================================

// Catalog is an in-memory ApplicationDirectory and RuleStore.
//
// Thread Safety: safe for concurrent use. Replace swaps the whole index
// so readers never observe a half-loaded catalog.
type Catalog struct {
	mu         sync.RWMutex
	workspaces map[string]*WorkspaceCatalog
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{workspaces: make(map[string]*WorkspaceCatalog)}
}

// Replace swaps the catalog contents for data.
func (c *Catalog) Replace(data *CatalogData) error {
	if err := data.Validate(); err != nil {
		return err
	}
	next := make(map[string]*WorkspaceCatalog, len(data.Workspaces))
	for i := range data.Workspaces {
		ws := normalizeWorkspace(data.Workspaces[i])
		next[ws.ID] = &ws
	}
	c.mu.Lock()
	c.workspaces = next
	c.mu.Unlock()
	return nil
}

func normalizeWorkspace(ws WorkspaceCatalog) WorkspaceCatalog {
	out := WorkspaceCatalog{ID: ws.ID}
	for _, d := range ws.Directories {
		d.WorkspaceID = ws.ID
		out.Directories = append(out.Directories, d)
	}
	for _, a := range ws.Applications {
		a.WorkspaceID = ws.ID
		out.Applications = append(out.Applications, a)
	}
	for _, r := range ws.Rules {
		r.WorkspaceID = ws.ID
		out.Rules = append(out.Rules, r)
	}
	out.Users = append(out.Users, ws.Users...)
	return out
}

func (c *Catalog) workspace(workspaceID string) *WorkspaceCatalog {
	ws := c.workspaces[workspaceID]
	if ws == nil {
		ws = &WorkspaceCatalog{ID: workspaceID}
		c.workspaces[workspaceID] = ws
	}
	return ws
}

// AddApplication registers an application under its workspace.
func (c *Catalog) AddApplication(app domain.Application) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.workspace(app.WorkspaceID)
	ws.Applications = append(ws.Applications, app)
}

// AddDirectory registers a directory under its workspace.
func (c *Catalog) AddDirectory(dir domain.Directory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.workspace(dir.WorkspaceID)
	ws.Directories = append(ws.Directories, dir)
}

// AddRule registers a rule under its workspace.
func (c *Catalog) AddRule(rule domain.Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.workspace(rule.WorkspaceID)
	ws.Rules = append(ws.Rules, rule)
}

// AddUser registers a directory user under workspaceID.
func (c *Catalog) AddUser(workspaceID string, user domain.DirectoryUser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.workspace(workspaceID)
	ws.Users = append(ws.Users, user)
}

// ResolveApplication implements ApplicationDirectory.
func (c *Catalog) ResolveApplication(ctx context.Context, workspaceID, nameOrAlias string) (*domain.Application, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if ws := c.workspaces[workspaceID]; ws != nil {
		needle := strings.TrimSpace(nameOrAlias)
		for i := range ws.Applications {
			app := &ws.Applications[i]
			if strings.EqualFold(app.Name, needle) || containsFold(app.Aliases, needle) {
				return cloneApplication(app), nil
			}
		}
	}
	return nil, domain.NewResolutionError("application", nameOrAlias, workspaceID)
}

// GetApplication implements ApplicationDirectory.
func (c *Catalog) GetApplication(ctx context.Context, workspaceID, applicationID string) (*domain.Application, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if ws := c.workspaces[workspaceID]; ws != nil {
		for i := range ws.Applications {
			if ws.Applications[i].ID == applicationID {
				return cloneApplication(&ws.Applications[i]), nil
			}
		}
	}
	return nil, domain.NewResolutionError("application", applicationID, workspaceID)
}

// ResolveDirectory implements ApplicationDirectory.
func (c *Catalog) ResolveDirectory(ctx context.Context, workspaceID, nameOrID string) (*domain.Directory, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if ws := c.workspaces[workspaceID]; ws != nil {
		for _, dir := range ws.Directories {
			if dir.ID == nameOrID || strings.EqualFold(dir.Name, nameOrID) {
				d := dir
				return &d, nil
			}
		}
	}
	return nil, domain.NewResolutionError("directory", nameOrID, workspaceID)
}

// ListRules implements RuleStore.
func (c *Catalog) ListRules(ctx context.Context, workspaceID string, filter RuleFilter) ([]domain.Rule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ws := c.workspaces[workspaceID]
	if ws == nil {
		return nil, nil
	}
	var out []domain.Rule
	for _, r := range ws.Rules {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetUser returns the directory user with email. An empty directoryID
// matches any directory.
func (c *Catalog) GetUser(ctx context.Context, workspaceID, directoryID, email string) (*domain.DirectoryUser, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if ws := c.workspaces[workspaceID]; ws != nil {
		for _, u := range ws.Users {
			if !strings.EqualFold(u.Email, email) {
				continue
			}
			if directoryID != "" && u.DirectoryID != directoryID {
				continue
			}
			return cloneUser(u), nil
		}
	}
	return nil, fmt.Errorf("%w: user %s", domain.ErrNotFound, email)
}

// ListEntitlements returns the entitlements the user already holds. An
// unknown user has none.
func (c *Catalog) ListEntitlements(ctx context.Context, workspaceID, directoryID, email string) ([]string, error) {
	u, err := c.GetUser(ctx, workspaceID, directoryID, email)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u.Entitlements, nil
}

func cloneUser(u domain.DirectoryUser) *domain.DirectoryUser {
	out := u
	out.Groups = append([]string(nil), u.Groups...)
	out.Entitlements = append([]string(nil), u.Entitlements...)
	if u.Attributes != nil {
		out.Attributes = make(map[string]string, len(u.Attributes))
		for k, v := range u.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}

func containsFold(values []string, needle string) bool {
	for _, v := range values {
		if strings.EqualFold(v, needle) {
			return true
		}
	}
	return false
}

func cloneApplication(app *domain.Application) *domain.Application {
	out := *app
	if app.Aliases != nil {
		out.Aliases = append([]string(nil), app.Aliases...)
	}
	if app.ProvisionSchema != nil {
		out.ProvisionSchema = make(map[string]domain.ProvisionField, len(app.ProvisionSchema))
		for k, v := range app.ProvisionSchema {
			out.ProvisionSchema[k] = v
		}
	}
	return &out
}

var (
	_ ApplicationDirectory = (*Catalog)(nil)
	_ RuleStore            = (*Catalog)(nil)
)

// =============================================================================
// FileCatalog
// =============================================================================

// FileCatalog is a Catalog backed by a YAML file that reloads on change.
type FileCatalog struct {
	*Catalog

	path   string
	logger *slog.Logger
	group  singleflight.Group
}

// NewFileCatalog loads path into a new FileCatalog.
//
// Description:
//
//	The initial load must succeed. Later reloads triggered by Watch keep
//	the previous contents when the new file fails to parse.
//
// Inputs:
//
//	path - YAML catalog file.
//	logger - Receives reload events. Nil uses slog.Default().
//
// Outputs:
//
//	*FileCatalog - The loaded catalog.
//	error - Non-nil if the file cannot be read or is invalid.
func NewFileCatalog(path string, logger *slog.Logger) (*FileCatalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fc := &FileCatalog{
		Catalog: NewCatalog(),
		path:    path,
		logger:  logger.With("component", "catalog", "path", path),
	}
	if err := fc.Reload(); err != nil {
		return nil, err
	}
	return fc, nil
}

// Path returns the catalog file path.
func (fc *FileCatalog) Path() string {
	return fc.path
}

// Reload re-reads the file. Concurrent calls share one read.
func (fc *FileCatalog) Reload() error {
	_, err, _ := fc.group.Do("reload", func() (any, error) {
		raw, err := os.ReadFile(fc.path)
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", fc.path, err)
		}
		doc, err := ParseCatalog(raw)
		if err != nil {
			return nil, err
		}
		if err := fc.Replace(doc); err != nil {
			return nil, err
		}
		fc.logger.Info("catalog loaded", "workspaces", len(doc.Workspaces))
		return nil, nil
	})
	return err
}

// Watch reloads the catalog whenever its file changes until ctx is done.
//
// The parent directory is watched rather than the file itself so that
// editors replacing the file through a rename are still observed.
func (fc *FileCatalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(fc.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(fc.path), err)
	}
	target := filepath.Clean(fc.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := fc.Reload(); err != nil {
				fc.logger.Warn("catalog reload failed, keeping previous contents", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fc.logger.Warn("catalog watcher error", "error", err)
		}
	}
}
