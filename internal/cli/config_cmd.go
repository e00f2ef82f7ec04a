// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config_cmd.go - The config command.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jeranaias/kavach/internal/config"
	"github.com/jeranaias/kavach/internal/util"
)

func runConfig(_ context.Context, inv *invocation) error {
	switch sub := inv.args.Positional(0); sub {
	case "show", "":
		return configShow(inv)
	case "get":
		return configGet(inv)
	case "set":
		return configSet(inv)
	case "path":
		return configPath(inv)
	case "init":
		return configInit(inv)
	default:
		return usageErrorf("unknown config subcommand %q (show, get, set, path, init)", sub)
	}
}

func (inv *invocation) configFile() (string, error) {
	if inv.cfgPath != "" {
		return inv.cfgPath, nil
	}
	return config.ConfigPath()
}

// configShow prints the effective configuration: file values, then
// environment overrides, then derived defaults.
func configShow(inv *invocation) error {
	cfg, err := inv.loadConfig()
	if err != nil {
		return err
	}
	if inv.json {
		return inv.emit("config show", cfg, nil)
	}
	data, err := config.Encode(cfg)
	if err != nil {
		return err
	}
	fmt.Fprint(inv.app.Out, highlight(string(data), "toml"))
	return nil
}

func configGet(inv *invocation) error {
	key := inv.args.Positional(1)
	if key == "" {
		return usageErrorf("config get <key>")
	}
	cfg, err := inv.loadConfig()
	if err != nil {
		return err
	}
	v, err := cfg.Get(key)
	if err != nil {
		return err
	}
	return inv.emit("config get", map[string]any{"key": key, "value": v}, func(w io.Writer) {
		fmt.Fprintln(w, v)
	})
}

// configSet edits the file itself, not the effective config, so
// environment overrides and derived paths are never written back.
func configSet(inv *invocation) error {
	key, value := inv.args.Positional(1), inv.args.Positional(2)
	if key == "" || inv.args.PositionalCount() < 3 {
		return usageErrorf("config set <key> <value>")
	}
	path, err := inv.configFile()
	if err != nil {
		return err
	}

	previous, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	raw := config.Default()
	if previous != nil {
		if err := config.LoadTOML(raw, path); err != nil {
			return err
		}
	}
	if err := raw.Set(key, value); err != nil {
		return err
	}
	if err := config.Save(raw, path); err != nil {
		return err
	}

	// Reject the edit if the result no longer loads.
	if _, err := config.LoadFromPath(path); err != nil {
		if previous != nil {
			if rerr := util.AtomicWriteFile(path, previous, 0600); rerr != nil {
				return errors.Join(err, rerr)
			}
		} else {
			os.Remove(path)
		}
		return err
	}

	return inv.emit("config set", map[string]any{"key": key, "value": value, "path": path}, func(w io.Writer) {
		fmt.Fprintf(w, "Set %s = %s in %s\n", key, value, path)
	})
}

func configPath(inv *invocation) error {
	path, err := inv.configFile()
	if err != nil {
		return err
	}
	return inv.emit("config path", map[string]string{"path": path}, func(w io.Writer) {
		fmt.Fprintln(w, path)
	})
}

// configInit writes the default configuration: kavach config init [--force].
func configInit(inv *invocation) error {
	path, err := inv.configFile()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !inv.args.BoolFlag("force") {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Save(config.Default(), path); err != nil {
		return err
	}
	return inv.emit("config init", map[string]string{"path": path}, func(w io.Writer) {
		fmt.Fprintf(w, "Wrote %s\n", path)
	})
}
