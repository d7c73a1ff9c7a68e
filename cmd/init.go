package cmd

import (
	"errors"
	"fmt"
	"github.com/Tumik1234/bot-ai/botai"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"log"
	"os"
	"strings"
)

// passwordReader reads a secret from the terminal without echoing it.
// Replaced in tests.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var resetAdminToken bool

const maxTokenAttempts = 3

var errTokenMismatch = errors.New("tokens do not match")

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set the admin API token",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.Database == "" {
			log.Fatal(
				"BOTAI_DATABASE not set (must be a valid database " +
					"connection string or sqlite file path)",
			)
		}
		db, err := botai.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer sqlDB.Close()
		}

		out := cmd.OutOrStdout()
		configured, err := botai.AdminTokenConfigured(ctx, db)
		if err != nil {
			log.Fatalf("Error checking admin token: %v", err)
		}

		if configured && !resetAdminToken {
			fmt.Fprintln(out, "Admin token is already set (use --reset to replace it).")
		} else {
			fmt.Fprintln(out, "Let's set up the admin API token.")
			token, err := promptToken(cmd)
			if err != nil {
				log.Fatalf("Error reading token: %v", err)
			}

			hashed, err := botai.HashPassword(token)
			if err != nil {
				log.Fatalf("Error hashing token: %v", err)
			}
			if err = botai.SetAdminToken(ctx, db, hashed); err != nil {
				log.Fatalf("Error saving admin token: %v", err)
			}
			fmt.Fprintln(out, "Admin token set successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

// promptToken asks for the token twice, until both entries match
func promptToken(cmd *cobra.Command) (string, error) {
	out := cmd.OutOrStdout()
	readToken := customPasswordReader
	if readToken == nil {
		readToken = func() ([]byte, error) {
			return term.ReadPassword(int(os.Stdin.Fd()))
		}
	}

	for range maxTokenAttempts {
		fmt.Fprint(out, "Enter admin token: ")
		token, err := readToken()
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}

		fmt.Fprint(out, "Confirm admin token: ")
		confirm, err := readToken()
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}

		t := strings.TrimSpace(string(token))
		switch {
		case t == "":
			fmt.Fprintln(out, "Token can't be empty. Please try again.")
		case t != strings.TrimSpace(string(confirm)):
			fmt.Fprintln(out, "Tokens do not match. Please try again.")
		default:
			return t, nil
		}
	}
	return "", errTokenMismatch
}

//nolint:gochecknoinits
func init() {
	initCmd.Flags().BoolVar(
		&resetAdminToken,
		"reset",
		false,
		"Replace an existing admin token",
	)
	rootCmd.AddCommand(initCmd)
}
