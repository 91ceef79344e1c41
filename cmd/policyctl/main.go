// Package main implements the policyctl CLI for manual operations against
// the policyd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the policyd HTTP server
	serverURL string
	// sessionID carries a chat session across ask invocations
	sessionID string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "policyctl",
	Short: "CLI for policyd HTTP server operations",
	Long: `policyctl is a command-line interface for interacting with the policyd
HTTP server. It provides commands for asking policy questions, searching
documents, and checking server health.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8090", "policyd server URL")
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(categoriesCmd)
	rootCmd.AddCommand(popularCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(healthCmd)

	askCmd.Flags().StringVar(&sessionID, "session", "", "existing chat session ID (a new session is created when omitted)")
}

// askCmd sends one chat message, creating a session when needed
var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a policy question",
	Long: `Ask a policy question through the chat pipeline.

Examples:
  # Ask a one-off question (creates a new session)
  policyctl ask "전세 대출 지원 정책 알려줘"

  # Continue an existing session
  policyctl ask --session 4f2a... "그거 신청 방법은?"`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

// searchCmd runs a direct document search
var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search policy documents directly",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

// categoriesCmd lists the policy taxonomy
var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List policy categories",
	RunE:  runCategories,
}

// popularCmd lists the most-asked keywords
var popularCmd = &cobra.Command{
	Use:   "popular",
	Short: "List popular search keywords",
	RunE:  runPopular,
}

// historyCmd prints a session's turns
var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show a chat session's history",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check policyd server health",
	RunE:  runHealth,
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 90 * time.Second}
}

// doJSON performs a request and decodes the JSON response into out.
func doJSON(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := serverURL + path
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(payload))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	id := sessionID
	if id == "" {
		var created struct {
			SessionID string `json:"session_id"`
		}
		if err := doJSON("POST", "/chat/session", nil, &created); err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		id = created.SessionID
		fmt.Fprintf(os.Stderr, "[policyctl] session %s\n", id)
	}

	var resp struct {
		Answer    string `json:"answer"`
		Category  string `json:"category"`
		Degraded  bool   `json:"degraded"`
		Citations []struct {
			DocID     string `json:"doc_id"`
			Title     string `json:"title"`
			SourceURL string `json:"source_url"`
		} `json:"citations"`
	}
	err := doJSON("POST", "/chat/message", map[string]string{
		"session_id": id,
		"message":    args[0],
	}, &resp)
	if err != nil {
		return err
	}

	fmt.Println(resp.Answer)
	for _, c := range resp.Citations {
		fmt.Fprintf(os.Stderr, "[policyctl] source %s %s %s\n", c.DocID, c.Title, c.SourceURL)
	}
	if resp.Degraded {
		fmt.Fprintln(os.Stderr, "[policyctl] degraded response")
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	var resp struct {
		Results []struct {
			DocID   string  `json:"doc_id"`
			Title   string  `json:"title"`
			Score   float32 `json:"score"`
			Snippet string  `json:"snippet"`
		} `json:"results"`
	}
	if err := doJSON("POST", "/search/query", map[string]string{"query": args[0]}, &resp); err != nil {
		return err
	}
	if len(resp.Results) == 0 {
		fmt.Println("No documents found.")
		return nil
	}
	for _, r := range resp.Results {
		fmt.Printf("%.3f  %s  %s\n      %s\n", r.Score, r.DocID, r.Title, r.Snippet)
	}
	return nil
}

func runCategories(cmd *cobra.Command, args []string) error {
	var resp struct {
		Categories []struct {
			ID    string `json:"id"`
			Label string `json:"name"`
			Count int    `json:"count"`
		} `json:"categories"`
	}
	if err := doJSON("GET", "/search/categories", nil, &resp); err != nil {
		return err
	}
	for _, c := range resp.Categories {
		fmt.Printf("%-20s %-12s %d\n", c.ID, c.Label, c.Count)
	}
	return nil
}

func runPopular(cmd *cobra.Command, args []string) error {
	var resp struct {
		Terms []struct {
			Keyword string `json:"keyword"`
			Count   int    `json:"count"`
		} `json:"terms"`
	}
	if err := doJSON("GET", "/search/popular", nil, &resp); err != nil {
		return err
	}
	if len(resp.Terms) == 0 {
		fmt.Println("No popular keywords yet.")
		return nil
	}
	for _, t := range resp.Terms {
		fmt.Printf("%6d  %s\n", t.Count, t.Keyword)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	var resp struct {
		Turns []struct {
			Index  int    `json:"index"`
			Query  string `json:"query"`
			Answer string `json:"answer"`
		} `json:"turns"`
	}
	if err := doJSON("GET", "/chat/history/"+args[0], nil, &resp); err != nil {
		return err
	}
	for _, t := range resp.Turns {
		fmt.Printf("[%d] Q: %s\n    A: %s\n", t.Index, t.Query, t.Answer)
	}
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	var resp struct {
		Status  string `json:"status"`
		Service string `json:"service"`
	}
	if err := doJSON("GET", "/health", nil, &resp); err != nil {
		return err
	}
	fmt.Printf("%s (%s)\n", resp.Status, resp.Service)
	return nil
}
