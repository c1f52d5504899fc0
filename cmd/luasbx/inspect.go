package main

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"

	"github.com/dshills/luasbx/internal/lua"
)

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <statefile>",
		Short: "Print the data preserved in a sandbox state file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			body, err := lua.StateBody(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			diag, err := cbor.Diagnose(body)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), diag)
			return nil
		},
	}
}
