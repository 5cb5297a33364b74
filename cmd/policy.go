package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/autonomy-engine/internal/registry"
)

var policyFilePath string

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage org policy",
}

var policyApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Seed ceilings and overrides from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if policyFilePath == "" {
			return eris.New("--file is required")
		}

		pf, err := registry.LoadPolicyFile(policyFilePath)
		if err != nil {
			return err
		}

		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		return registry.New(st, cfg.Engine).Apply(cmd.Context(), pf)
	},
}

func init() {
	policyApplyCmd.Flags().StringVarP(&policyFilePath, "file", "f", "", "policy YAML file")
	policyCmd.AddCommand(policyApplyCmd)
	rootCmd.AddCommand(policyCmd)
}
