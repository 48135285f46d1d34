package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"oralroom/internal/bootstrap"
	"oralroom/internal/domain"
)

type tokenReport struct {
	Present bool                `json:"present"`
	Valid   bool                `json:"valid"`
	Claims  *domain.Claims      `json:"claims,omitempty"`
	Room    *domain.RoomSession `json:"room,omitempty"`
}

func newTokenCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Inspect the stored session token"}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the stored token claims; an expired or malformed token is purged",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withServices(cmd, func(ctx context.Context, services *bootstrap.Services) error {
				report := tokenReport{}
				if room, ok := services.Tokens.RoomSession(ctx); ok {
					report.Room = &room
				}
				_, report.Present = services.Tokens.Token(ctx)
				if claims, ok := services.Tokens.Decode(ctx, ""); ok {
					report.Valid = true
					report.Claims = &claims
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Ask the room server whether the stored token is expired; an expired token is purged",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withServices(cmd, func(ctx context.Context, services *bootstrap.Services) error {
				check, err := services.API.CheckToken(ctx)
				if err != nil && !check.Expired {
					return err
				}
				// an expired token is reported and has already been purged
				if werr := writeJSON(cmd.OutOrStdout(), check); werr != nil {
					return werr
				}
				return err
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget the stored token and room session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withServices(cmd, func(ctx context.Context, services *bootstrap.Services) error {
				services.Tokens.Clear(ctx)
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "session token cleared")
				return err
			})
		},
	})
	return cmd
}

func (c *cli) withServices(cmd *cobra.Command, fn func(ctx context.Context, services *bootstrap.Services) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	services, err := c.build(ctx)
	if err != nil {
		return err
	}
	defer services.Close()
	return fn(ctx, services)
}
