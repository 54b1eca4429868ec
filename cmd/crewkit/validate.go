package main

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/crewkit/crewkit/config"
)

// ValidateCmd validates a configuration file.
type ValidateCmd struct {
	Config string `arg:"" name:"config" help:"Configuration file path." placeholder:"PATH"`

	Format      string `short:"f" help:"Output format: compact, json." default:"compact" enum:"compact,json"`
	PrintConfig bool   `short:"p" name:"print-config" help:"Print the expanded configuration (defaults applied, env vars resolved)."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.LoadFromFile(c.Config)
	if err != nil {
		if c.Format == "json" {
			json.NewEncoder(os.Stdout).Encode(map[string]any{
				"valid": false,
				"file":  c.Config,
				"error": err.Error(),
			})
			return fmt.Errorf("configuration invalid")
		}
		return fmt.Errorf("%s: %w", c.Config, err)
	}

	if c.PrintConfig {
		encoded, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		os.Stdout.Write(encoded)
		return nil
	}

	if c.Format == "json" {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"valid":  true,
			"file":   c.Config,
			"agents": len(cfg.Agents),
		})
	}
	fmt.Printf("%s: valid (%d agent(s), %d LLM provider(s))\n", c.Config, len(cfg.Agents), len(cfg.LLMs))
	return nil
}
