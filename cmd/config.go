package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orchardlog/fieldsync/internal/config"
	"github.com/orchardlog/fieldsync/internal/features"
	"github.com/orchardlog/fieldsync/internal/output"
)

func parseBool(val string) (bool, error) {
	switch strings.ToLower(val) {
	case "true", "1", "on":
		return true, nil
	case "false", "0", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%w: invalid bool value %q (use true/false/1/0)", errInvalidInput, val)
	}
}

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Manage fieldsync configuration",
	GroupID: "system",
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value",
	Long:  "Keys: " + strings.Join(config.Keys, ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := config.LoadFile()
		if err != nil {
			printError(cmd, err)
			return err
		}
		if err := f.Set(args[0], args[1]); err != nil {
			err = fmt.Errorf("%w: %v", errInvalidInput, err)
			printError(cmd, err)
			fmt.Println("Valid keys:", strings.Join(config.Keys, ", "))
			return err
		}
		if err := config.SaveFile(f); err != nil {
			printError(cmd, err)
			return err
		}
		output.Success("Set %s", args[0])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resolved config values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load()
		if err != nil {
			printError(cmd, err)
			return err
		}
		values := settingsMap(s)
		if jsonOutput(cmd) {
			return output.JSON(values)
		}
		for _, key := range config.Keys {
			output.Info("%-16s %s", key, values[key])
		}
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.Path()
		if err != nil {
			printError(cmd, err)
			return err
		}
		output.Info("%s", path)
		return nil
	},
}

// settingsMap renders resolved settings by config key with the token masked.
func settingsMap(s *config.Settings) map[string]string {
	token := ""
	if s.APIToken != "" {
		token = "********"
	}
	return map[string]string{
		"server_url":      s.ServerURL,
		"api_token":       token,
		"data_dir":        s.DataDir,
		"request_timeout": s.RequestTimeout.String(),
		"max_attempts":    strconv.Itoa(s.MaxAttempts),
		"sync_interval":   s.SyncInterval.String(),
		"backoff_base":    s.BackoffBase.String(),
		"backoff_max":     s.BackoffMax.String(),
		"probe_interval":  s.ProbeInterval.String(),
		"log_level":       s.LogLevel,
		"log_format":      s.LogFormat,
	}
}

var featuresCmd = &cobra.Command{
	Use:     "features",
	Short:   "List or toggle feature flags",
	GroupID: "system",
}

var featuresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List feature flags and where their value comes from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := config.LoadFile()
		if err != nil {
			printError(cmd, err)
			return err
		}
		set := features.NewSet(f.Features)

		type row struct {
			Name        string `json:"name"`
			Enabled     bool   `json:"enabled"`
			Source      string `json:"source"`
			Description string `json:"description"`
		}
		var rows []row
		for _, feat := range features.ListAll() {
			enabled, source := set.Resolve(feat.Name)
			rows = append(rows, row{feat.Name, enabled, source, feat.Description})
		}
		if jsonOutput(cmd) {
			return output.JSON(rows)
		}
		for _, r := range rows {
			state := "off"
			if r.Enabled {
				state = "on"
			}
			output.Info("%-22s %-3s (%s)  %s", r.Name, state, r.Source, r.Description)
		}
		return nil
	},
}

var featuresSetCmd = &cobra.Command{
	Use:   "set <name> <true|false>",
	Short: "Override a feature flag in the config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if !features.IsKnownFeature(name) {
			err := fmt.Errorf("%w: unknown feature %q", errInvalidInput, name)
			printError(cmd, err)
			return err
		}
		enabled, err := parseBool(args[1])
		if err != nil {
			printError(cmd, err)
			return err
		}
		f, err := config.LoadFile()
		if err != nil {
			printError(cmd, err)
			return err
		}
		if f.Features == nil {
			f.Features = map[string]bool{}
		}
		f.Features[name] = enabled
		if err := config.SaveFile(f); err != nil {
			printError(cmd, err)
			return err
		}
		output.Success("%s = %v", name, enabled)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd, featuresCmd)
	configCmd.AddCommand(configSetCmd, configListCmd, configPathCmd)
	featuresCmd.AddCommand(featuresListCmd, featuresSetCmd)
}
