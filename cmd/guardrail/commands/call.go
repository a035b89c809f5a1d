package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ncobase/guardrail/ctxutil"
	"github.com/ncobase/guardrail/ecode"
	"github.com/ncobase/guardrail/extension/types"
	"github.com/spf13/cobra"
)

func newCallCommand(configFile *string) *cobra.Command {
	var (
		data   string
		token  string
		user   string
		apiKey string
		roles  []string
		ip     string
	)

	cmd := &cobra.Command{
		Use:   "call <dir>",
		Short: "Load a plugin and send it one request through the interceptor chain",
		Example: `  guardrail call ./plugins/echo --user u1 --role user --data '{"message":"hi"}'
  guardrail call ./plugins/echo --token "$JWT" --data '{"action":"read"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req types.Request
			if err := json.Unmarshal([]byte(data), &req); err != nil {
				return ecode.Wrap(ecode.ValidationFailed, err, "request must be a JSON object")
			}

			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			ctx := cmd.Context()
			loaded, err := a.loader.Load(ctx, args[0])
			if err != nil {
				return err
			}
			defer func() { _ = a.loader.Unload(context.WithoutCancel(ctx), loaded.ID()) }()

			ctx = ctxutil.SetUserID(ctx, user)
			ctx = ctxutil.SetAPIKeyID(ctx, apiKey)
			ctx = ctxutil.SetToken(ctx, token)
			ctx = ctxutil.SetUserRoles(ctx, roles)
			ctx = ctxutil.SetClientIP(ctx, ip)
			cc := types.CallContextFrom(ctx, loaded.ID())
			resp, err := a.wrap(loaded).ExecuteWithInterceptors(ctx, req, cc, loaded.Plugin.ProcessRequest)
			if err != nil {
				return fmt.Errorf("%s (%s)", ecode.Public(err), ecode.KindOf(err))
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "{}", "request body as a JSON object")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().StringVar(&user, "user", "", "caller user id")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "caller api key id")
	cmd.Flags().StringSliceVarP(&roles, "role", "r", nil, "caller role")
	cmd.Flags().StringVar(&ip, "ip", "127.0.0.1", "caller address")
	return cmd
}
