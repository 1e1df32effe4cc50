package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/lifeos-nexus/council/pkg/models"
	"github.com/spf13/cobra"
)

type clientOptions struct {
	url    string
	apiKey string
	asJSON bool
}

func (o *clientOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.url, "url", "http://127.0.0.1:3456", "council server base URL")
	cmd.Flags().StringVar(&o.apiKey, "api-key", os.Getenv("COUNCIL_API_KEY"), "API key, if the server requires one")
	cmd.Flags().BoolVar(&o.asJSON, "json", false, "print the raw JSON response")
}

// get fetches path and decodes a JSON body into out. The raw body is returned
// for --json output.
func (o *clientOptions) get(cmd *cobra.Command, path string, out any) ([]byte, error) {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, strings.TrimRight(o.url, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reach council server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return nil, fmt.Errorf("%s", resp.Status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return body, nil
}

func newStatusCmd() *cobra.Command {
	var opts clientOptions
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running server's health and extension state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var health models.HealthResponse
			raw, err := opts.get(cmd, "/health", &health)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.asJSON {
				_, err := fmt.Fprintln(w, string(raw))
				return err
			}

			ext := color.RedString("disconnected")
			if health.ExtensionConnected {
				ext = color.GreenString("connected")
			}
			fmt.Fprintf(w, "Server:    %s\n", color.GreenString(health.Status))
			fmt.Fprintf(w, "Extension: %s\n", ext)
			fmt.Fprintf(w, "Uptime:    %s\n", (time.Duration(health.Uptime) * time.Millisecond).Truncate(time.Second))
			return nil
		},
	}
	opts.bind(cmd)
	return cmd
}

func newRequestsCmd() *cobra.Command {
	var (
		opts  clientOptions
		limit int
	)
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "List recent council requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var list []models.RequestSummary
			raw, err := opts.get(cmd, fmt.Sprintf("/requests?limit=%d", limit), &list)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.asJSON {
				_, err := fmt.Fprintln(w, string(raw))
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(w, color.YellowString("No council requests recorded."))
				return nil
			}
			for _, r := range list {
				duration := "-"
				if r.Duration != nil {
					duration = (time.Duration(*r.Duration) * time.Millisecond).String()
				}
				fmt.Fprintf(w, "%s  %s  %-8s %8s  %s\n",
					color.CyanString(r.ID),
					time.UnixMilli(r.CreatedAt).Format(time.RFC3339),
					r.Tier,
					duration,
					truncate(r.Query, 60),
				)
			}
			return nil
		},
	}
	opts.bind(cmd)
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of requests to list")
	return cmd
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
