package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	cfgpkg "dockoreksi/internal/config"
	"dockoreksi/internal/usage"
)

func newUsersCmd(g *globalFlags, stdout io.Writer) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "users",
		Short: "列出用户使用登记",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := mergeConfig(g, nil)
			if err != nil {
				return err
			}
			store, err := cfgpkg.OpenUsage(cfg.Usage, nil)
			if err != nil {
				return configErr("用户登记后端不可用: %w", err)
			}
			defer store.Close()
			users, err := store.List(cmd.Context())
			if err != nil {
				return runErr(err)
			}
			if asJSON {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(users); err != nil {
					return runErr(err)
				}
				return nil
			}
			if err := printUsers(stdout, users); err != nil {
				return runErr(err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "以 JSON 输出（与 users.json 同构）")
	return cmd
}

// printUsers 按使用次数降序输出表格，次数相同按 ID 升序。
func printUsers(w io.Writer, users map[string]usage.Record) error {
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := users[ids[i]], users[ids[j]]
		if a.UsageCount != b.UsageCount {
			return a.UsageCount > b.UsageCount
		}
		return ids[i] < ids[j]
	})
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER_ID\tNAMA\tUSERNAME\tPENGGUNAAN\tMODE TERAKHIR\tTERAKHIR")
	for _, id := range ids {
		r := users[id]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", id, r.FirstName, r.Username, r.UsageCount, r.LastMode, r.LastUsed)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "Total: %d pengguna\n", len(users))
	return err
}
