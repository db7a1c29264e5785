package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BioHazard786/voicelink/internal/config"
	"github.com/BioHazard786/voicelink/internal/relayserver"
	"github.com/BioHazard786/voicelink/internal/ui"
	"github.com/spf13/cobra"
)

var (
	flagLoginName string
	flagLoginKey  string
)

var loginCmd = &cobra.Command{
	Use:   "login <user-id>",
	Short: "Obtain a relay token and save it for later commands",
	Long: `Obtain a relay token for the given user id from the relay service and save it
in the user config directory.

Examples:
  voicelink login alice --name "Alice"
  voicelink login bob --domain relay.example.com --access-key k3y`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return login(cmd.Context(), args[0])
	},
}

func login(ctx context.Context, userID string) error {
	endpoint, err := loginURL(cfg.RelayURL)
	if err != nil {
		return NewError("login", err)
	}

	stopSpinner := ui.RunConnectionSpinner("Signing in...")
	defer stopSpinner()

	token, err := requestToken(ctx, endpoint, relayserver.LoginRequest{
		UserID:    userID,
		Name:      flagLoginName,
		AccessKey: flagLoginKey,
	})
	if err != nil {
		return NewError("login", err)
	}
	stopSpinner()

	path, err := config.SaveToken(token)
	if err != nil {
		return err
	}
	ui.PrintSuccessf("Signed in as %s", ui.BoldStyle.Render(userID))
	ui.PrintInfof("Token saved to %s", path)
	return nil
}

// loginURL derives the HTTP login endpoint from the relay websocket URL.
func loginURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported relay URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws") + "/api/auth/login"
	u.RawQuery = ""
	return u.String(), nil
}

func requestToken(ctx context.Context, endpoint string, req relayserver.LoginRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&failure)
		if failure.Error == "" {
			failure.Error = resp.Status
		}
		return "", fmt.Errorf("relay refused login: %s", failure.Error)
	}

	var out relayserver.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("relay returned an empty token")
	}
	return out.Token, nil
}

func init() {
	rootCmd.AddCommand(loginCmd)

	loginCmd.Flags().StringVarP(&flagLoginName, "name", "n", "", "Display name")
	loginCmd.Flags().StringVarP(&flagLoginKey, "access-key", "k", "", "Relay access key, if the relay requires one")
}
