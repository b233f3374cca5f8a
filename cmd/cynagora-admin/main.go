// Command cynagora-admin is the administration CLI: set/drop/get
// rules, clear all rules, toggle the server log, and bulk-import a
// rule dump, all over the admin socket. Each modifying subcommand runs
// in its own transaction.
//
// spec.md scopes the original cynagora-admin shell script out of the
// core and names only its contract (exit 0 on success, 1 otherwise,
// one subcommand per wire command); this is that contract given a
// real cobra tool, in the shape of cmd/warren/main.go's subcommand
// tree.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iotbzh/cynagora/pkg/config"
	"github.com/iotbzh/cynagora/pkg/cynclient"
	"github.com/iotbzh/cynagora/pkg/rule"
	"github.com/iotbzh/cynagora/pkg/rulefile"
)

var socketURI string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cynagora-admin:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cynagora-admin",
	Short: "cynagora administration CLI",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketURI, "socket", config.DefaultAdminSocket, "admin socket URI")
	rootCmd.AddCommand(setCmd, dropCmd, getCmd, clearAllCmd, logCmd, importCmd)
}

func open() (*cynclient.Client, error) {
	return cynclient.Open(socketURI)
}

func keyFromArgs(args []string) rule.Key {
	return rule.Key{Client: args[0], Session: args[1], User: args[2], Permission: args[3]}
}

var setCmd = &cobra.Command{
	Use:   "set client session user permission verdict [expire]",
	Short: "set a rule, wrapped in its own transaction",
	Args:  cobra.RangeArgs(5, 6),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := open()
		if err != nil {
			return err
		}
		defer c.Close()
		expireText := ""
		if len(args) == 6 {
			expireText = args[5]
		}
		if err := c.Enter(); err != nil {
			return err
		}
		if err := c.Set(keyFromArgs(args), args[4], expireText); err != nil {
			_ = c.Leave(false)
			return err
		}
		return c.Leave(true)
	},
}

var dropCmd = &cobra.Command{
	Use:   "drop client session user permission",
	Short: "drop every rule matching the key, wrapped in its own transaction",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := open()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Enter(); err != nil {
			return err
		}
		if err := c.Drop(keyFromArgs(args)); err != nil {
			_ = c.Leave(false)
			return err
		}
		return c.Leave(true)
	},
}

var getCmd = &cobra.Command{
	Use:   "get client session user permission",
	Short: "list every rule matching the key (use # for ANY, * for WIDE)",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := open()
		if err != nil {
			return err
		}
		defer c.Close()
		items, err := c.Get(keyFromArgs(args))
		if err != nil {
			return err
		}
		for _, it := range items {
			fmt.Printf("%s %s %s %s %s %d\n",
				it.Key.Client, it.Key.Session, it.Key.User, it.Key.Permission,
				it.Value.Value, it.Value.Expire)
		}
		return nil
	},
}

var clearAllCmd = &cobra.Command{
	Use:   "clearall",
	Short: "force a change-id bump and cache-invalidation broadcast",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := open()
		if err != nil {
			return err
		}
		defer c.Close()
		return c.ClearAll()
	},
}

var logCmd = &cobra.Command{
	Use:   "log [on|off]",
	Short: "toggle or report server-side protocol logging",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := open()
		if err != nil {
			return err
		}
		defer c.Close()
		state := ""
		if len(args) == 1 {
			state = args[0]
		}
		got, err := c.Log(state)
		if err != nil {
			return err
		}
		fmt.Println(got)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import file",
	Short: "bulk-load a plain-text rule dump in one transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := open()
		if err != nil {
			return err
		}
		defer c.Close()
		return rulefile.ImportFile(cynclient.NewImporter(c), args[0])
	},
}
