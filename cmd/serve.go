package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestion-runtime/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve push deliveries until SIGTERM",
		Long: `Binds the configured port (PORT wins when set), serves requests on a
fixed pool of worker slots, and drains in-flight requests on SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(appInstance App) error {
				if err := appInstance.Run(cmd.Context()); err != nil {
					var bindErr *server.BindError
					if errors.As(err, &bindErr) {
						appInstance.Logger().Error("cannot bind listen address", zap.String("addr", bindErr.Addr), zap.Error(bindErr.Err))
					}
					return fmt.Errorf("serve: %w", err)
				}
				appInstance.Logger().Info("server stopped")
				return nil
			})
		},
	}
}
