// Copyright (C) 2025 agentic-sre contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package health tracks per-component status for the agent process.
package health

import (
	"context"
	"sync"
	"time"

	"agentic-sre/logger"
)

// Component names tracked by the checker.
const (
	ComponentDatabase = "database"
	ComponentCluster  = "cluster"
	ComponentRunbooks = "runbooks"
	ComponentLLM      = "llm"
)

// ComponentStatus is the health of one component.
type ComponentStatus struct {
	Healthy     bool
	LastChecked time.Time
	Message     string
}

// Pinger is anything whose reachability can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker aggregates component health for the agent.
type Checker struct {
	mu            sync.RWMutex
	components    map[string]*ComponentStatus
	db            Pinger
	checkInterval time.Duration
}

// NewChecker builds a checker; db may be nil in tests.
func NewChecker(db Pinger) *Checker {
	now := time.Now()
	return &Checker{
		components: map[string]*ComponentStatus{
			ComponentDatabase: {Healthy: false, LastChecked: now, Message: "not yet checked"},
			ComponentCluster:  {Healthy: false, LastChecked: now, Message: "not yet connected"},
			ComponentRunbooks: {Healthy: false, LastChecked: now, Message: "not yet loaded"},
			ComponentLLM:      {Healthy: true, LastChecked: now, Message: "lazy, checked on use"},
		},
		db:            db,
		checkInterval: 30 * time.Second,
	}
}

// Update sets a component's status.
func (c *Checker) Update(component string, healthy bool, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[component] = &ComponentStatus{
		Healthy:     healthy,
		LastChecked: time.Now(),
		Message:     message,
	}
	logger.Debug("health updated component=%s healthy=%v message=%s", component, healthy, message)
}

// Get returns a copy of one component's status.
func (c *Checker) Get(component string) (*ComponentStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	status, ok := c.components[component]
	if !ok {
		return nil, false
	}
	cp := *status
	return &cp, true
}

// Healthy reports whether every component is healthy.
func (c *Checker) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, status := range c.components {
		if !status.Healthy {
			return false
		}
	}
	return true
}

// Report returns the full component map for the health endpoint.
func (c *Checker) Report() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	components := make(map[string]any, len(c.components))
	healthy := true
	for name, status := range c.components {
		if !status.Healthy {
			healthy = false
		}
		components[name] = map[string]any{
			"healthy":      status.Healthy,
			"last_checked": status.LastChecked,
			"message":      status.Message,
		}
	}
	return map[string]any{
		"overall_healthy": healthy,
		"components":      components,
	}
}

// Run re-probes the database on an interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping periodic health checks")
			return
		case <-ticker.C:
			c.probe(ctx)
		}
	}
}

func (c *Checker) probe(ctx context.Context) {
	if c.db == nil {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.db.Ping(pingCtx); err != nil {
		c.Update(ComponentDatabase, false, err.Error())
		return
	}
	c.Update(ComponentDatabase, true, "reachable")
}

// SetCheckInterval overrides the probe interval.
func (c *Checker) SetCheckInterval(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkInterval = interval
}
