package main

import (
	"context"
	"strings"
	"sync"

	"github.com/sydlexius/roadie/internal/config"
)

type commandContext struct {
	configFlag *string
	jsonFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		jsonFlag:   jsonFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.Load(c.configPath())
	})
	return c.config, c.configErr
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) forceJSON() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

// withApp opens the database and the services on it for one command. CLI
// commands log to stderr so stdout stays parseable.
func (c *commandContext) withApp(ctx context.Context, fn func(*app) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logCfg := cfg.Logging
	logCfg.Output = "stderr"
	a, err := newApp(ctx, cfg, logCfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
