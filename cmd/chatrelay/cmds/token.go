package cmds

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatrelay/pkg/identity"
)

func NewTokenCommand(flags *GlobalFlags) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token [room-id]",
		Short: "Mint a room token with the configured auth secret",
		Long:  "Mint a room token with the configured auth secret. Without a room id a new one is generated.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := flags.Config()
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			var opts []identity.VerifierOption
			if cfg.Auth.Issuer != "" {
				opts = append(opts, identity.WithIssuer(cfg.Auth.Issuer))
			}
			if cfg.Auth.Audience != "" {
				opts = append(opts, identity.WithAudience(cfg.Auth.Audience))
			}
			v, err := identity.NewVerifier([]byte(cfg.Auth.JWTSecret), opts...)
			if err != nil {
				return err
			}

			roomID := uuid.NewString()
			if len(args) == 1 {
				roomID = args[0]
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = cfg.Auth.TokenTTL
			}
			tok, err := v.Generate(roomID, ttl)
			if err != nil {
				return errors.Wrap(err, "sign token")
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "room: %s\n", roomID)
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default auth.token_ttl, 0 for no expiry)")
	return cmd
}
