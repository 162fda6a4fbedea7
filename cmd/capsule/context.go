package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"capsule/internal/capture"
	"capsule/internal/config"
	"capsule/internal/logging"
	"capsule/internal/store"
	"capsule/internal/workflow"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
	})
	return c.config, c.configErr
}

// withStore opens the record store for the duration of fn. The CLI reads and
// writes the same sqlite file the daemon uses.
func (c *commandContext) withStore(fn func(*store.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer st.Close()
	return fn(st)
}

// withCaptures opens the store and the configured job transport so captures
// submitted from the CLI are picked up by the daemon's workers.
func (c *commandContext) withCaptures(cmdCtx context.Context, fn func(*capture.Coordinator) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	return c.withStore(func(st *store.Store) error {
		logger := logging.NewNop()
		transport, err := workflow.OpenTransport(cmdCtx, cfg, st, "capsule-cli-"+uuid.NewString()[:8], logger)
		if err != nil {
			return fmt.Errorf("open job transport: %w", err)
		}
		defer transport.Close()
		return fn(capture.NewCoordinator(cfg, st, transport, nil, logger))
	})
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
