package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"

	"github.com/orchardlog/fieldsync/internal/output"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	Short:   "Inspect cached read responses",
	GroupID: "sync",
}

var cacheListCmd = &cobra.Command{
	Use:     "list [query]",
	Aliases: []string{"ls"},
	Short:   "List cached reads, optionally fuzzy-filtered",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			keys, err := a.db.CacheKeys()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				keys = matchKeys(args[0], keys)
			}
			if jsonOutput(cmd) {
				return output.JSON(keys)
			}
			if len(keys) == 0 {
				output.Info("No cached reads")
				return nil
			}
			width := output.TerminalWidth(0)
			for _, key := range keys {
				entry, err := a.db.CacheGet(key)
				if err != nil {
					return err
				}
				if entry != nil {
					output.Info("%s", output.FormatCacheEntry(*entry, width))
				}
			}
			return nil
		})
	},
}

var cacheShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Print a cached response",
	Example: `  fieldsync cache show /paddocks
  fieldsync cache show '/spray?season=2025'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			entry, err := a.db.CacheGet(args[0])
			if err != nil {
				return err
			}
			if entry == nil {
				keys, err := a.db.CacheKeys()
				if err != nil {
					return err
				}
				msg := fmt.Sprintf("nothing cached for %q", args[0])
				if similar := matchKeys(args[0], keys); len(similar) > 0 {
					msg += "; did you mean " + strings.Join(quoteAll(similar[:min(3, len(similar))]), ", ") + "?"
				}
				return fmt.Errorf("%w: %s", errInvalidInput, msg)
			}
			if jsonOutput(cmd) {
				return output.JSON(entry)
			}
			output.Info("%s", output.PrettyJSON(entry.Value))
			output.Info("%s", "cached "+output.FormatTimeAgo(entry.UpdatedAt))
			return nil
		})
	},
}

type keySource []string

func (k keySource) String(i int) string { return k[i] }
func (k keySource) Len() int            { return len(k) }

// matchKeys returns the keys that fuzzy-match query, best match first.
func matchKeys(query string, keys []string) []string {
	if query == "" {
		return keys
	}
	matches := fuzzy.FindFrom(query, keySource(keys))
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = keys[m.Index]
	}
	return out
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheListCmd, cacheShowCmd)
}
