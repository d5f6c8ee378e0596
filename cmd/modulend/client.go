package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Modulend/core-v1/internal/crypto"
)

// apiFlags configure calls to a running modulend server.
type apiFlags struct {
	server string
	keyEnv string
}

func (f *apiFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", "http://localhost:8000", "modulend API root")
	cmd.Flags().StringVar(&f.keyEnv, "key-env", "MODULEND_SIGNER_KEY", "environment variable holding the caller's hex key")
}

func (f *apiFlags) signer() (*crypto.Signer, error) {
	raw := os.Getenv(f.keyEnv)
	if raw == "" {
		cfg, err := readConfig()
		if err != nil {
			return nil, err
		}
		return walletSigner(cfg)
	}
	return crypto.NewSigner(raw)
}

// post sends a signed JSON request and prints the response body.
func (f *apiFlags) post(cmd *cobra.Command, path string, body any) error {
	signer, err := f.signer()
	if err != nil {
		return fmt.Errorf("caller key: %w", err)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	headers, err := signer.RequestHeaders(http.MethodPost, path, string(raw))
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
		strings.TrimRight(f.server, "/")+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	var out bytes.Buffer
	if err := json.Indent(&out, respBody, "", "  "); err != nil {
		_, err = os.Stdout.Write(respBody)
		return err
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(os.Stdout)
	return err
}
