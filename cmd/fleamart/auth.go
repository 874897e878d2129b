package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	fleamart "github.com/fleamart/fleamart-go"
	"github.com/spf13/cobra"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password (prompted on stdin when omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
}

func readPassword(prompt string) (string, error) {
	if v := os.Getenv("FLEAMART_PASSWORD"); v != "" {
		return v, nil
	}
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("cannot read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Sign in and persist the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		password := loginPassword
		if password == "" {
			if password, err = readPassword("Password: "); err != nil {
				return err
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		user, err := client.Login(ctx, &fleamart.LoginOptions{
			Username: args[0],
			Password: password,
		})
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		fmt.Printf("Signed in as %s (id %d)\n", user.Username, user.ID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the persisted session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.Logout(ctx); err != nil {
			return err
		}
		fmt.Println("Signed out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()
		if err := requireLogin(client); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		user, err := client.Me(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s (id %d)\n", user.Username, user.ID)
		if user.Nickname != "" {
			fmt.Printf("  nickname: %s\n", user.Nickname)
		}
		if exp := client.Session().ExpiresAt(); !exp.IsZero() {
			fmt.Printf("  token expires: %s\n", exp.Format(time.RFC3339))
		}
		return nil
	},
}
