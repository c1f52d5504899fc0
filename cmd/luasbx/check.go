package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/luasbx/internal/logbridge"
	"github.com/dshills/luasbx/internal/sandbox"
	"github.com/dshills/luasbx/internal/usage"
)

func checkCmd() *cobra.Command {
	var (
		role    string
		modules string
		cfgJSON string
		limits  usage.Limits
	)

	cmd := &cobra.Command{
		Use:   "check <script>",
		Short: "Load a script into a sandbox and report whether it starts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := sandbox.ParseRole(role)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			sink := logbridge.SinkFunc(func(_ any, line string) {
				fmt.Fprint(cmd.ErrOrStderr(), line)
			})
			sb, err := sandbox.Create("luasbx", r, args[0], "", sandbox.Config{
				Limits:          limits,
				ModuleDirectory: modules,
				PluginConfig:    cfgJSON,
			}, sandbox.WithLogSink(sink))
			if err != nil {
				return err
			}
			defer sb.Destroy()

			fmt.Fprintf(out, "%s: ok (%s)\n", sb.Name(), sb.Role())
			for _, t := range usage.ResourceTypes() {
				fmt.Fprintf(out, "  %-12s %d / %d\n", t, sb.Usage(t, usage.Current), sb.Usage(t, usage.Limit))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&role, "role", "r", "analysis", "Sandbox role (input, analysis, output)")
	cmd.Flags().StringVar(&modules, "module-directory", "", "Directory require may load modules from")
	cmd.Flags().StringVar(&cfgJSON, "config-json", "", "JSON object exposed through read_config")
	cmd.Flags().Uint64Var(&limits.Memory, "memory-limit", 0, "Memory limit in bytes (0 for the default)")
	cmd.Flags().Uint64Var(&limits.Instructions, "instruction-limit", 0, "Instruction limit per call (0 for the default)")
	cmd.Flags().Uint64Var(&limits.Output, "output-limit", 0, "Output limit per call in bytes (0 for the default)")
	return cmd
}
