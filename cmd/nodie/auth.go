package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
	"github.com/spf13/cobra"

	"nodie/internal/api"
	"nodie/internal/credstore"
)

var loginEmail string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to your Nodie account",
	Long:  `Exchange your email and password for an account token and store it in the OS keyring. The password itself is never stored.`,
	RunE:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove stored credentials",
	RunE:  runLogout,
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "account email (prompted when empty)")
}

func runLogin(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(false)
	if err != nil {
		return err
	}
	defer e.closeLog()

	email := strings.TrimSpace(loginEmail)
	if email == "" {
		fmt.Print("Email: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read email: %w", err)
		}
		email = strings.TrimSpace(line)
	}
	if email == "" {
		return errors.New("email is required")
	}
	password, err := keyring.TerminalPrompt("Password")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	client := api.NewClient(e.cfg.APIURL,
		api.WithTimeout(e.cfg.RequestTimeout()),
		api.WithUserAgent(version),
		api.WithLogger(e.log.Named("api")))
	resp, err := client.Authenticate(cmd.Context(), email, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	creds, err := e.credentials()
	if err != nil {
		return err
	}
	if err := creds.Put(api.Credentials{Email: email, Token: resp.Token, UserID: resp.User.ID}); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}

	name := resp.User.Username
	if name == "" {
		name = email
	}
	fmt.Printf("Logged in as %s\n", name)
	if resp.User.ReferralCode != "" {
		fmt.Printf("Referral code: %s\n", resp.User.ReferralCode)
	}
	fmt.Println("Run 'nodie start' to bring the node online.")
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(false)
	if err != nil {
		return err
	}
	defer e.closeLog()

	creds, err := e.credentials()
	if err != nil {
		return err
	}
	if _, err := creds.Get(); errors.Is(err, credstore.ErrNotFound) {
		fmt.Println("Not logged in.")
		return nil
	}
	if err := creds.Clear(); err != nil {
		return err
	}
	fmt.Println("Logged out. A running node keeps its session until it is stopped.")
	return nil
}
