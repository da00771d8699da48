// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	rootCmd := &cobra.Command{
		Use:   "grantctl",
		Short: "Access Credential Service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
			if apiURL == "" {
				apiURL = os.Getenv("GRANTCTL_API_URL")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set GRANTCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 120*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(buyCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(redeemCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("grantctl version %s\n", version)
		},
	}
}

// buyCmd は購入の作成と支払いの実行コマンド。
func buyCmd() *cobra.Command {
	var productRef, priceWei, buyer string
	cmd := &cobra.Command{
		Use:   "buy",
		Short: "Create a purchase and pay for it on the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set GRANTCTL_API_URL)")
			}

			// 購入レコードを作成
			reqBody, err := json.Marshal(map[string]string{
				"product_ref": productRef,
				"price_wei":   priceWei,
				"buyer":       buyer,
			})
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}

			url := fmt.Sprintf("%s/v1/purchases", apiURL)
			resp, err := httpClient.Post(url, "application/json", bytes.NewReader(reqBody))
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			body, err := readBody(resp)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusCreated {
				return handleErrorResponse(resp.StatusCode, body)
			}

			var created struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(body, &created); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			if output != "json" {
				fmt.Printf("Created purchase %s, submitting payment...\n", created.ID)
			}

			// 支払いを実行しファイナリティまで待つ
			url = fmt.Sprintf("%s/v1/purchases/%s/checkout", apiURL, created.ID)
			resp, err = httpClient.Post(url, "application/json", nil)
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			body, err = readBody(resp)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}

			var result struct {
				State         string `json:"state"`
				TxIdentifier  string `json:"tx_identifier"`
				FailureReason string `json:"failure_reason"`
				BlockNumber   uint64 `json:"block_number"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			switch result.State {
			case "finalized":
				fmt.Printf("Payment finalized in block %d (tx: %s)\n", result.BlockNumber, result.TxIdentifier)
				fmt.Printf("Purchase %s is ready for credential issuance.\n", created.ID)
			default:
				fmt.Printf("Payment failed: %s (tx: %s)\n", result.FailureReason, result.TxIdentifier)
				if result.FailureReason == "timeout" {
					fmt.Println("The ledger may still finalize this transaction; retry watching with a new purchase if needed.")
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&productRef, "product", "", "Product contract address (required)")
	cmd.Flags().StringVar(&priceWei, "price", "", "Price in wei (required)")
	cmd.Flags().StringVar(&buyer, "buyer", "", "Buyer identity (required)")
	cmd.MarkFlagRequired("product")
	cmd.MarkFlagRequired("price")
	cmd.MarkFlagRequired("buyer")
	return cmd
}

// statusCmd は購入レコードの状態取得コマンド。
func statusCmd() *cobra.Command {
	var purchaseID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a purchase",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set GRANTCTL_API_URL)")
			}

			url := fmt.Sprintf("%s/v1/purchases/%s", apiURL, purchaseID)
			resp, err := httpClient.Get(url)
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			body, err := readBody(resp)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}

			var result struct {
				State         string `json:"state"`
				ProductRef    string `json:"product_ref"`
				PriceWei      string `json:"price_wei"`
				Buyer         string `json:"buyer"`
				TxIdentifier  string `json:"tx_identifier"`
				FailureReason string `json:"failure_reason"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("State:      %s\n", result.State)
			fmt.Printf("Product:    %s\n", result.ProductRef)
			fmt.Printf("Price:      %s wei\n", result.PriceWei)
			fmt.Printf("Buyer:      %s\n", result.Buyer)
			if result.TxIdentifier != "" {
				fmt.Printf("Tx:         %s\n", result.TxIdentifier)
			}
			if result.FailureReason != "" {
				fmt.Printf("Failure:    %s\n", result.FailureReason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&purchaseID, "id", "", "Purchase ID (required)")
	cmd.MarkFlagRequired("id")
	return cmd
}

// issueCmd はクレデンシャル発行コマンド。
func issueCmd() *cobra.Command {
	var purchaseID, requester, pubKeyPath, outPath string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue the credential encrypted to a recipient public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set GRANTCTL_API_URL)")
			}

			pubPEM, err := os.ReadFile(pubKeyPath)
			if err != nil {
				return fmt.Errorf("reading public key: %w", err)
			}

			reqBody, err := json.Marshal(map[string]string{
				"requester":      requester,
				"public_key_pem": string(pubPEM),
			})
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}

			url := fmt.Sprintf("%s/v1/purchases/%s/credential", apiURL, purchaseID)
			resp, err := httpClient.Post(url, "application/json", bytes.NewReader(reqBody))
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			body, err := readBody(resp)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return handleErrorResponse(resp.StatusCode, body)
			}

			var result struct {
				Ciphertext string `json:"ciphertext"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			if outPath != "" {
				if err := os.WriteFile(outPath, []byte(result.Ciphertext), 0600); err != nil {
					return fmt.Errorf("writing ciphertext: %w", err)
				}
				if output != "json" {
					fmt.Printf("Wrote encrypted credential to %s\n", outPath)
				}
				return nil
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				fmt.Println(result.Ciphertext)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&purchaseID, "id", "", "Purchase ID (required)")
	cmd.Flags().StringVar(&requester, "requester", "", "Requester identity (required)")
	cmd.Flags().StringVar(&pubKeyPath, "pubkey", "", "Path to recipient public key PEM (required)")
	cmd.Flags().StringVar(&outPath, "out", "", "Write base64 ciphertext to this file instead of stdout")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("requester")
	cmd.MarkFlagRequired("pubkey")
	return cmd
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return body, nil
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s", errResp.Message)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
