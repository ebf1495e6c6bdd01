// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/tombee/runbook/internal/api"
	"github.com/tombee/runbook/pkg/errors"
)

// newTokenCommand mints a bearer token for the API, typically handed to
// the process engine for its completion callbacks.
func newTokenCommand() *cobra.Command {
	var (
		subject string
		issuer  string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token",
		Long:  "Mints an HS256 bearer token signed with RUNBOOKD_JWT_SECRET.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := os.Getenv("RUNBOOKD_JWT_SECRET")
			if secret == "" {
				return &errors.ConfigError{Key: "RUNBOOKD_JWT_SECRET", Reason: "must be set"}
			}

			token, err := api.GenerateJWT(api.Claims{
				RegisteredClaims: jwt.RegisteredClaims{
					Subject:   subject,
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
				},
				UserID: subject,
			}, api.JWTConfig{
				Secret: []byte(secret),
				Issuer: issuer,
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "process-engine", "Token subject")
	cmd.Flags().StringVar(&issuer, "issuer", "runbookd", "Token issuer claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
