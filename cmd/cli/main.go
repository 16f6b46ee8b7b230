package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"keyquorum/internal/sealer"
	"keyquorum/internal/shamir"
)

var (
	serverURL  string
	apiKey     string
	threshold  int
	total      int
	committees []string
	requester  string
	runNonce   string
	ttlSeconds int
	note       string
)

func main() {
	root := &cobra.Command{
		Use:   "keyquorum",
		Short: "CLI client for the committee node",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("KEYQUORUM_API_KEY"), "API key")

	// Local share arithmetic, no server involved.
	splitCmd := &cobra.Command{
		Use:   "split [secret-hex]",
		Short: "Split a secret into threshold shares",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSplit,
	}
	splitCmd.Flags().IntVarP(&threshold, "threshold", "k", 2, "Shares needed to reconstruct")
	splitCmd.Flags().IntVarP(&total, "total", "n", 3, "Total shares to produce")
	root.AddCommand(splitCmd)

	root.AddCommand(&cobra.Command{
		Use:   "combine [shares.json]",
		Short: "Reconstruct a secret from shares (JSON array, file or stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCombine,
	})

	root.AddCommand(&cobra.Command{
		Use:   "seal [share-hex] [recipient-pubkey]",
		Short: "Seal a share to a recipient public key",
		Args:  cobra.ExactArgs(2),
		RunE:  runSeal,
	})

	root.AddCommand(&cobra.Command{
		Use:   "open [payload.json] [private-key]",
		Short: "Open a sealed payload with the recipient private key",
		Args:  cobra.ExactArgs(2),
		RunE:  runOpen,
	})

	// Server operations.
	prepareCmd := &cobra.Command{
		Use:   "prepare [code-id] [secret-hex]",
		Short: "Split a secret on the node, one share per committee",
		Args:  cobra.ExactArgs(2),
		RunE:  runPrepare,
	}
	prepareCmd.Flags().IntVarP(&threshold, "threshold", "k", 2, "Shares needed to reconstruct")
	prepareCmd.Flags().StringSliceVar(&committees, "committee", nil, "Committee address (repeatable)")
	prepareCmd.Flags().StringVar(&requester, "requester", "", "Requester address")
	prepareCmd.Flags().StringVar(&runNonce, "nonce", "", "Run nonce")
	prepareCmd.Flags().IntVar(&ttlSeconds, "ttl", 0, "Shard TTL in seconds (0 = server default)")
	prepareCmd.Flags().StringVar(&note, "note", "", "Free-form note stored with the shards")
	root.AddCommand(prepareCmd)

	root.AddCommand(&cobra.Command{
		Use:   "run-status [run-id]",
		Short: "Show one run's approval status",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check node health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSplit(cmd *cobra.Command, args []string) error {
	secret, err := readHexArg(args, 0)
	if err != nil {
		return err
	}

	shares, err := shamir.Split(secret, total, threshold)
	if err != nil {
		return err
	}

	formatted, _ := json.MarshalIndent(shares, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func runCombine(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if len(args) > 0 {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("reading shares: %w", err)
	}

	var shares []shamir.Share
	if err := json.Unmarshal(data, &shares); err != nil {
		return fmt.Errorf("decoding shares: %w", err)
	}

	secret, err := shamir.Combine(shares)
	if err != nil {
		return err
	}

	fmt.Println("0x" + hex.EncodeToString(secret))
	return nil
}

func runSeal(cmd *cobra.Command, args []string) error {
	share, err := decodeHex(args[0])
	if err != nil {
		return fmt.Errorf("decoding share: %w", err)
	}

	payload, err := sealer.Seal(share, args[1])
	if err != nil {
		return err
	}

	formatted, _ := json.MarshalIndent(payload, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func runOpen(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}

	var payload sealer.SealedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}

	share, err := sealer.Open(&payload, args[1])
	if err != nil {
		return err
	}

	fmt.Println("0x" + hex.EncodeToString(share))
	return nil
}

func runPrepare(cmd *cobra.Command, args []string) error {
	if len(committees) == 0 {
		return fmt.Errorf("at least one --committee is required")
	}
	if requester == "" || runNonce == "" {
		return fmt.Errorf("--requester and --nonce are required")
	}

	payload := map[string]any{
		"requester":  requester,
		"runNonce":   runNonce,
		"secret":     args[1],
		"committees": committees,
		"threshold":  threshold,
		"ttlSeconds": ttlSeconds,
		"note":       note,
	}
	return postJSON("/codes/"+args[0]+"/shards", payload)
}

func runStatus(_ *cobra.Command, args []string) error {
	return getJSON("/runs/" + args[0])
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	return printBody(resp)
}

func postJSON(path string, payload any) error {
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest("POST", serverURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return printBody(resp)
}

func getJSON(path string) error {
	req, _ := http.NewRequest("GET", serverURL+path, nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return printBody(resp)
}

func printBody(resp *http.Response) error {
	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func readHexArg(args []string, i int) ([]byte, error) {
	if len(args) > i {
		return decodeHex(args[i])
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return decodeHex(strings.TrimSpace(string(data)))
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.ToLower(s), "0x"))
}
