// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"qkd-mail-crypto/internal/domain"
	"qkd-mail-crypto/internal/handler"
	"qkd-mail-crypto/pkg/etsi"
)

const version = "1.0.0"

var (
	apiURL  string
	saeID   string
	token   string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "keyctl",
		Short:        "QKD mail crypto CLI",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("KEYCTL_API_URL")
			}
			if saeID == "" {
				saeID = os.Getenv("LOCAL_SAE_ID")
			}
			if token == "" {
				token = os.Getenv("KM_TOKEN")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set KEYCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&saeID, "sae-id", "", "Calling SAE ID sent as "+etsi.SAEIDHeader+" (or set LOCAL_SAE_ID)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token authenticating --sae-id (or set KM_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(tiersCmd())
	rootCmd.AddCommand(describeCmd())
	rootCmd.AddCommand(setDefaultCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(encryptCmd())
	rootCmd.AddCommand(decryptCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keyctl version %s\n", version)
		},
	}
}

// call はAPIを呼び出し、期待するステータスでない場合はエラーを返す。
func call(method, path, contentType string, body []byte, wantStatus int) ([]byte, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("--api-url is required (or set KEYCTL_API_URL)")
	}
	req, err := http.NewRequest(method, strings.TrimRight(apiURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if saeID != "" {
		req.Header.Set(etsi.SAEIDHeader, saeID)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		return nil, handleErrorResponse(resp.StatusCode, data)
	}
	return data, nil
}

// tiersCmd はセキュリティレベルの一覧を表示する。
func tiersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tiers",
		Short: "List available security tiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodGet, "/v1/tiers", "", nil, http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}

			var result handler.TierListResponse
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "LEVEL\tTIER\tALGORITHM\tQUANTUM RESISTANT\tDEFAULT")
			for _, t := range result.Tiers {
				def := ""
				if t.Tier == result.DefaultTier {
					def = "*"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n", t.Level, t.Tier, t.Algorithm, t.QuantumResistant, def)
			}
			return w.Flush()
		},
	}
}

// describeCmd はセキュリティレベルの特性を表示する。
func describeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <tier>",
		Short: "Describe a security tier (name or level number)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodGet, "/v1/tiers/"+args[0], "", nil, http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}

			var info domain.TierInfo
			if err := json.Unmarshal(body, &info); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tier:               %s (level %d)\n", info.Tier, info.Level)
			fmt.Fprintf(out, "Algorithm:          %s\n", info.Algorithm)
			fmt.Fprintf(out, "Supported:          %s\n", strings.Join(info.SupportedAlgorithms, ", "))
			fmt.Fprintf(out, "Quantum resistant:  %t\n", info.QuantumResistant)
			fmt.Fprintf(out, "Needs key manager:  %t\n", info.RequiresKeyManager)
			fmt.Fprintf(out, "Description:        %s\n", info.Description)
			return nil
		},
	}
}

// setDefaultCmd は既定のセキュリティレベルを変更する。
func setDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-default <tier>",
		Short: "Change the default security tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqBody, _ := json.Marshal(handler.SetDefaultTierRequest{Tier: args[0]})
			body, err := call(http.MethodPut, "/v1/tiers/default", "application/json", reqBody, http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}
			var result handler.SetDefaultTierRequest
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default tier set to %s\n", result.Tier)
			return nil
		},
	}
}

// statusCmd は鍵の残量を表示する。
func statusCmd() *cobra.Command {
	var peer string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show key manager status and available key count",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/keys/status"
			if peer != "" {
				path += "?peer=" + peer
			}
			body, err := call(http.MethodGet, path, "", nil, http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}

			var st handler.KeyStatusResponse
			if err := json.Unmarshal(body, &st); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "SAE:             %s\n", st.LocalSAEID)
			fmt.Fprintf(out, "Reachable:       %t\n", st.Reachable)
			fmt.Fprintf(out, "Available keys:  %d (local %d, remote %d)\n", st.AvailableKeyCount, st.LocalKeyCount, st.RemoteKeyCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "Peer SAE ID (defaults to the server's configured peer)")
	return cmd
}

// encryptCmd はメッセージを暗号化する。
func encryptCmd() *cobra.Command {
	var (
		subject, bodyText, bodyFile, tier, peer, outFile string
		attachments                                      []string
		armor                                            bool
	)
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a message and print the envelope",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := handler.EncryptRequest{Subject: subject, Body: bodyText, Tier: tier, PeerSAEID: peer}
			if bodyFile != "" {
				b, err := os.ReadFile(bodyFile)
				if err != nil {
					return fmt.Errorf("reading body file: %w", err)
				}
				req.Body = string(b)
			}
			for _, path := range attachments {
				content, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading attachment: %w", err)
				}
				mimeType := mime.TypeByExtension(filepath.Ext(path))
				if mimeType == "" {
					mimeType = "application/octet-stream"
				}
				req.Attachments = append(req.Attachments, domain.Attachment{
					Name:     filepath.Base(path),
					MimeType: mimeType,
					Content:  content,
				})
			}

			reqBody, err := json.Marshal(req)
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}
			path := "/v1/messages/encrypt"
			if armor {
				path += "?format=armor"
			}
			body, err := call(http.MethodPost, path, "application/json", reqBody, http.StatusOK)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), outFile, body)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Message subject")
	cmd.Flags().StringVar(&bodyText, "body", "", "Message body")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "Read the message body from a file")
	cmd.Flags().StringSliceVar(&attachments, "attach", nil, "Attachment file (repeatable)")
	cmd.Flags().StringVar(&tier, "tier", "", "Security tier name or level (defaults to the server default)")
	cmd.Flags().StringVar(&peer, "peer", "", "Recipient SAE ID")
	cmd.Flags().BoolVar(&armor, "armor", false, "Output a text-armored envelope")
	cmd.Flags().StringVar(&outFile, "out", "", "Write the envelope to a file instead of stdout")
	return cmd
}

// decryptCmd は封筒を復号する。
func decryptCmd() *cobra.Command {
	var inFile, saveDir string
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt an envelope (JSON or armored) from a file or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if inFile == "" || inFile == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(inFile)
			}
			if err != nil {
				return fmt.Errorf("reading envelope: %w", err)
			}

			contentType := "application/json"
			if bytes.Contains(data, []byte("-----BEGIN QKD MESSAGE-----")) {
				contentType = "text/plain"
			}
			body, err := call(http.MethodPost, "/v1/messages/decrypt", contentType, data, http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}

			var msg domain.DecryptedMessage
			if err := json.Unmarshal(body, &msg); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			return printMessage(cmd.OutOrStdout(), &msg, saveDir)
		},
	}
	cmd.Flags().StringVar(&inFile, "in", "-", "Envelope file (default stdin)")
	cmd.Flags().StringVar(&saveDir, "save-attachments", "", "Directory to write decrypted attachments to")
	return cmd
}

func printMessage(out io.Writer, msg *domain.DecryptedMessage, saveDir string) error {
	fmt.Fprintf(out, "Tier:    %s\n", msg.Tier)
	fmt.Fprintf(out, "Subject: %s\n\n%s\n", msg.Subject, msg.Body)
	for _, a := range msg.Attachments {
		state := fmt.Sprintf("%d bytes", len(a.Content))
		switch {
		case a.Failed:
			state = "FAILED: " + a.FailureReason
		case a.Unencrypted:
			state += ", sent unencrypted"
		}
		fmt.Fprintf(out, "Attachment: %s (%s) %s\n", a.Name, a.MimeType, state)
		name := filepath.Base(a.Name)
		if saveDir != "" && !a.Failed && name != "." && name != ".." && name != string(filepath.Separator) {
			path := filepath.Join(saveDir, name)
			if err := os.WriteFile(path, a.Content, 0o600); err != nil {
				return fmt.Errorf("writing attachment: %w", err)
			}
		}
	}
	for _, f := range msg.Failures {
		fmt.Fprintf(out, "warning: %s could not be decrypted: %s\n", f.Part, f.Reason)
	}
	return nil
}

func writeOutput(out io.Writer, path string, data []byte) error {
	if path == "" {
		_, err := out.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		if errResp.Code != "" {
			return fmt.Errorf("Error: %s (%s)", errResp.Message, errResp.Code)
		}
		return fmt.Errorf("Error: %s", errResp.Message)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
