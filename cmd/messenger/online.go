package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"

	"github.com/pelusa-v/pelusa-messenger/internal/auth"
	"github.com/pelusa-v/pelusa-messenger/internal/config"
)

const relayTimeout = 5 * time.Second

var onlineAll bool

func init() {
	rootCmd.AddCommand(onlineCmd)
	onlineCmd.Flags().BoolVarP(&onlineAll, "all", "a", false, "include your own connections")
}

type relayClient struct {
	ID     string   `json:"id"`
	UserID string   `json:"user_id"`
	Topics []string `json:"topics"`
}

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "List connections currently attached to the relay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.AccessToken == "" {
			return fmt.Errorf("ACCESS_TOKEN is required")
		}
		v, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return err
		}
		self, err := v.Verify(cfg.AccessToken)
		if err != nil {
			return err
		}
		base, err := relayHTTPBase(cfg.RelayURL)
		if err != nil {
			return err
		}
		exclude := self
		if onlineAll {
			exclude = ""
		}
		clients, err := fetchClients(base, cfg.AccessToken, exclude)
		if err != nil {
			return err
		}

		return printClients(cmd.OutOrStdout(), clients)
	},
}

func printClients(w io.Writer, clients []relayClient) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tCONNECTION\tTOPICS")
	for _, c := range clients {
		topics := strings.Join(c.Topics, ",")
		if topics == "" {
			topics = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.UserID, c.ID, topics)
	}
	return tw.Flush()
}

// relayHTTPBase turns the relay websocket url into its http origin.
func relayHTTPBase(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parse RELAY_URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("RELAY_URL scheme %q not supported", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/realtime")
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

func fetchClients(base, token, exclude string) ([]relayClient, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	target := base + "/api/clients"
	if exclude != "" {
		target += "?exclude=" + url.QueryEscape(exclude)
	}
	req.SetRequestURI(target)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+token)

	if err := fasthttp.DoTimeout(req, resp, relayTimeout); err != nil {
		return nil, fmt.Errorf("query relay: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("query relay: status %d: %s", resp.StatusCode(), resp.Body())
	}
	var clients []relayClient
	if err := json.Unmarshal(resp.Body(), &clients); err != nil {
		return nil, fmt.Errorf("decode relay clients: %w", err)
	}
	return clients, nil
}
