package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orchardlog/fieldsync/internal/offline"
	"github.com/orchardlog/fieldsync/internal/output"
)

var getCmd = &cobra.Command{
	Use:   "get <endpoint> [key=value...]",
	Short: "Read records, falling back to the cache when offline",
	Example: `  fieldsync get /paddocks
  fieldsync get /spray season=2025 paddock=north`,
	GroupID: "data",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(args[1:])
		if err != nil {
			printError(cmd, err)
			return err
		}
		return withApp(cmd, func(a *app) error {
			res, err := a.gateway.Get(cmd.Context(), args[0], params)
			if err != nil {
				return err
			}
			return printResult(cmd, res)
		})
	},
}

var postCmd = &cobra.Command{
	Use:   "post <endpoint> <json|@file|->",
	Short: "Create a record, queueing it if the server is unreachable",
	Example: `  fieldsync post /spray '{"paddock_id":"12","rate":2.5}'
  fieldsync post /fertilizer @application.json`,
	GroupID: "data",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readBody(args[1], cmd.InOrStdin())
		if err != nil {
			printError(cmd, err)
			return err
		}
		return withApp(cmd, func(a *app) error {
			res, err := a.gateway.Post(cmd.Context(), args[0], body)
			if err != nil {
				return err
			}
			return printResult(cmd, res)
		})
	},
}

var putCmd = &cobra.Command{
	Use:     "put <endpoint> <json|@file|->",
	Short:   "Update a record, queueing it if the server is unreachable",
	Example: `  fieldsync put /spray/41 '{"rate":3}'`,
	GroupID: "data",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readBody(args[1], cmd.InOrStdin())
		if err != nil {
			printError(cmd, err)
			return err
		}
		return withApp(cmd, func(a *app) error {
			res, err := a.gateway.Put(cmd.Context(), args[0], body)
			if err != nil {
				return err
			}
			return printResult(cmd, res)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <endpoint>",
	Aliases: []string{"rm"},
	Short:   "Delete a record, queueing it if the server is unreachable",
	GroupID: "data",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			res, err := a.gateway.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(cmd, res)
		})
	},
}

// parseParams turns key=value arguments into query parameters.
func parseParams(args []string) (url.Values, error) {
	params := url.Values{}
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: parameter %q is not key=value", errInvalidInput, arg)
		}
		params.Add(k, v)
	}
	return params, nil
}

// readBody reads a JSON body given inline, as @file, or as - for stdin.
func readBody(arg string, stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	var err error
	switch {
	case arg == "-":
		data, err = io.ReadAll(stdin)
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(arg[1:])
	default:
		data = []byte(arg)
	}
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: body is not valid JSON", errInvalidInput)
	}
	return json.RawMessage(data), nil
}

func printResult(cmd *cobra.Command, res offline.Result) error {
	if jsonOutput(cmd) {
		return output.JSON(res)
	}
	switch res.Outcome {
	case offline.Queued:
		msg := fmt.Sprintf("Server unreachable, queued as #%d", res.QueueID)
		if res.EntityRef != "" {
			msg += fmt.Sprintf(" (record %s)", res.EntityRef)
		}
		output.Warning("%s", msg)
	case offline.FromCache:
		output.Warning("Server unreachable, showing response cached %s", output.FormatTimeAgo(res.CachedAt))
	}
	if len(res.Data) > 0 {
		output.Info("%s", output.PrettyJSON(res.Data))
	} else if res.Outcome == offline.Delivered {
		output.Success("Done")
	}
	return nil
}

func init() {
	rootCmd.AddCommand(getCmd, postCmd, putCmd, deleteCmd)
}
