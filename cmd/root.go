package cmd

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/orchardlog/fieldsync/internal/apiclient"
	"github.com/orchardlog/fieldsync/internal/db"
	"github.com/orchardlog/fieldsync/internal/models"
	"github.com/orchardlog/fieldsync/internal/offline"
	"github.com/orchardlog/fieldsync/internal/output"
)

var version = "dev"

// SetVersion sets the version string
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first client for the farm records API",
	Long: `fieldsync - talk to the farm records API from places with no signal.

Writes that cannot reach the server are queued on disk and replayed in order
once the connection is back. Reads fall back to the last good response.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if cmd, err := rootCmd.ExecuteC(); err != nil {
		// Usage and argument errors never reach a RunE.
		if err != lastPrinted {
			printError(cmd, err)
		}
		os.Exit(1)
	}
}

// nameWithAliases returns "name, alias1, alias2" if aliases exist, else just "name"
func nameWithAliases(cmd *cobra.Command) string {
	if len(cmd.Aliases) > 0 {
		return cmd.Name() + ", " + strings.Join(cmd.Aliases, ", ")
	}
	return cmd.Name()
}

func init() {
	cobra.AddTemplateFunc("nameWithAliases", nameWithAliases)
	cobra.AddTemplateFunc("add", func(a, b int) int { return a + b })

	usageTemplate := `Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}{{$cmds := .Commands}}{{if eq (len .Groups) 0}}

Available Commands:{{range $cmds}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad (nameWithAliases .) (add .NamePadding 8)}} {{.Short}}{{end}}{{end}}{{else}}{{range $group := .Groups}}

{{.Title}}{{range $cmds}}{{if (and (eq .GroupID $group.ID) (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad (nameWithAliases .) (add .NamePadding 8)}} {{.Short}}{{end}}{{end}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`
	rootCmd.SetUsageTemplate(usageTemplate)

	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Record Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "system", Title: "System Commands:"},
	)
	rootCmd.SetHelpCommandGroupID("system")
	rootCmd.SetCompletionCommandGroupID("system")

	rootCmd.SetGlobalNormalizationFunc(normalizeFlagName)
	rootCmd.PersistentFlags().Bool("json", false, "JSON output")
	rootCmd.PersistentFlags().String("server", "", "Server URL (overrides config)")
	rootCmd.PersistentFlags().String("data-dir", "", "Directory holding the local store (overrides config)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Debug logging to stderr")
}

// normalizeFlagName lets --data_dir stand in for --data-dir.
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

// errorCode maps an error to the code used in --json error output.
func errorCode(err error) string {
	var storageErr *db.StorageError
	switch {
	case errors.Is(err, db.ErrItemNotFound):
		return output.ErrCodeNotFound
	case errors.Is(err, db.ErrNotDead):
		return output.ErrCodeNotDead
	case errors.Is(err, offline.ErrInvalidEndpoint), errors.Is(err, errInvalidInput),
		errors.Is(err, apiclient.ErrBadBaseURL):
		return output.ErrCodeInvalidInput
	case errors.As(err, &storageErr):
		return output.ErrCodeStorage
	}
	switch apiclient.Classify(err) {
	case models.ErrorConflict:
		return output.ErrCodeConflict
	case models.ErrorValidation:
		return output.ErrCodeRejected
	default:
		return output.ErrCodeNetwork
	}
}

var errInvalidInput = errors.New("invalid input")

// lastPrinted is the error printError most recently reported.
var lastPrinted error

func printError(cmd *cobra.Command, err error) {
	lastPrinted = err
	if jsonOutput(cmd) {
		output.JSONError(errorCode(err), err.Error())
		return
	}
	output.Error("%v", err)
}
