package commands

import (
	"fmt"

	"github.com/ncobase/guardrail/permission"
	"github.com/spf13/cobra"
)

func newCheckCommand() *cobra.Command {
	var (
		roles  []string
		grants []string
		user   string
		owner  string
	)

	cmd := &cobra.Command{
		Use:   "check <permission>",
		Short: "Evaluate a permission against the default roles and direct grants",
		Example: `  guardrail check --role developer modules:echo:execute
  guardrail check --grant platform:profile:read --user u1 --owner u2 platform:profile:read`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			required := args[0]
			if _, err := permission.Parse(required); err != nil {
				return err
			}
			held := permission.NewRoles().GetUserPermissions(roles, grants)

			attrs := map[string]any{}
			if user != "" {
				attrs["user_id"] = user
			}
			if owner != "" {
				attrs["owner_id"] = owner
			}
			if !permission.CheckPermission(held, required, attrs) {
				return fmt.Errorf("denied: %s", required)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "allowed: %s\n", required)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&roles, "role", "r", nil, "role held by the caller")
	cmd.Flags().StringSliceVarP(&grants, "grant", "g", nil, "permission granted directly")
	cmd.Flags().StringVar(&user, "user", "", "acting user id")
	cmd.Flags().StringVar(&owner, "owner", "", "owner of the target resource")
	return cmd
}
