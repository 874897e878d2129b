package main

import (
	"fmt"
	"os"

	fleamart "github.com/fleamart/fleamart-go"
	"github.com/rs/zerolog"
)

// newClient builds an SDK client with the persisted session and the CLI
// configuration applied. The FLEAMART_BASE_URL and FLEAMART_DEBUG environment
// variables override the config file.
func newClient() (*fleamart.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	store, err := fleamart.NewFileSessionStore(dir)
	if err != nil {
		return nil, err
	}

	opts := []fleamart.ClientOption{
		fleamart.WithSessionStore(store),
		fleamart.WithErrorNotifier(func(msg string) {
			fmt.Fprintln(os.Stderr, "error:", msg)
		}),
	}

	baseURL := cfg.Default.BaseURL
	if v := os.Getenv("FLEAMART_BASE_URL"); v != "" {
		baseURL = v
	}
	if baseURL != "" {
		opts = append(opts, fleamart.WithBaseURL(baseURL))
	}

	if cfg.Default.Debug || os.Getenv("FLEAMART_DEBUG") != "" {
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger().Level(zerolog.DebugLevel)
		opts = append(opts, fleamart.WithLogger(log))
	}

	return fleamart.NewClient(opts...)
}

// requireLogin fails fast with a hint instead of letting a call 401.
func requireLogin(client *fleamart.Client) error {
	if !client.Session().LoggedIn() {
		return fmt.Errorf("not signed in; run 'fleamart login <username>' first")
	}
	return nil
}
