// Command ruleinjectctl is the operator CLI for the dynamic rule
// injection channel (spec §4.7): it authenticates as a privileged-tier
// subject and drives cmd/safetygate's /v1/rules admin endpoints.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/guardianrail/safety/domain/ruletypes"
	"github.com/guardianrail/safety/infrastructure/auth"
	"github.com/guardianrail/safety/infrastructure/config"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ruleinjectctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	root := flag.NewFlagSet("ruleinjectctl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	addrFlag := root.String("addr", config.GetEnv("SAFETYGATE_ADDR", "http://localhost:8080"), "safetygate base URL")
	keyFlag := root.String("key", config.GetEnv("RULEINJECTCTL_PRIVATE_KEY_PATH", ""), "PEM-encoded RSA private key used to sign the operator's subject token")
	operatorFlag := root.String("operator", config.GetEnv("RULEINJECTCTL_OPERATOR_ID", "ruleinjectctl"), "subject id attributed to this operator in the audit trail")
	timeoutFlag := root.Duration("timeout", 15*time.Second, "HTTP request timeout")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	client, err := newClient(*addrFlag, *keyFlag, *operatorFlag, *timeoutFlag)
	if err != nil {
		return err
	}

	switch remaining[0] {
	case "list":
		return handleList(ctx, client)
	case "inject":
		return handleInject(ctx, client, remaining[1:])
	case "enable":
		return handleSetEnabled(ctx, client, remaining[1:], true)
	case "disable":
		return handleSetEnabled(ctx, client, remaining[1:], false)
	case "review":
		return handleReview(ctx, client, remaining[1:])
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func usageError(err error) error {
	fmt.Fprintln(os.Stderr, "usage: ruleinjectctl [-addr URL] [-key PATH] <list|inject|enable|disable|review> [args]")
	fmt.Fprintln(os.Stderr, "  inject -file rule.json")
	fmt.Fprintln(os.Stderr, "  enable <rule-id>")
	fmt.Fprintln(os.Stderr, "  disable <rule-id>")
	fmt.Fprintln(os.Stderr, "  review <audit-id> -decision approve|block [-notes text]")
	return err
}

// =============================================================================
// API client
// =============================================================================

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL, keyPath, operatorID string, timeout time.Duration) (*apiClient, error) {
	token := ""
	if keyPath != "" {
		pemBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		privKey, err := auth.ParseRSAPrivateKeyFromPEM(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		generator := auth.NewTokenGenerator(privKey, operatorID, auth.TierPrivileged, time.Hour)
		signed, err := generator.GenerateToken()
		if err != nil {
			return nil, fmt.Errorf("generate subject token: %w", err)
		}
		token = signed
	}
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set(auth.SubjectTokenHeader, c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: http %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// =============================================================================
// Commands
// =============================================================================

func handleList(ctx context.Context, client *apiClient) error {
	var out struct {
		Version int64             `json:"version"`
		Rules   []ruletypes.Rule  `json:"rules"`
	}
	if err := client.do(ctx, http.MethodGet, "/v1/rules", nil, &out); err != nil {
		return err
	}
	fmt.Printf("registry version %d, %d rules\n", out.Version, len(out.Rules))
	for _, r := range out.Rules {
		fmt.Printf("  %-20s category=%-10s severity=%-8s action=%-8s stage=%-6s enabled=%v\n",
			r.ID, r.Category, r.Severity, r.Action, r.EffectiveStage(), r.Enabled)
	}
	return nil
}

func handleInject(ctx context.Context, client *apiClient, args []string) error {
	fs := flag.NewFlagSet("inject", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	file := fs.String("file", "", "path to a JSON-encoded rule")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if *file == "" {
		return usageError(errors.New("inject requires -file"))
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read rule file: %w", err)
	}
	var rule ruletypes.Rule
	if err := json.Unmarshal(data, &rule); err != nil {
		return fmt.Errorf("parse rule file: %w", err)
	}

	var out struct {
		Version int64  `json:"version"`
		RuleID  string `json:"rule_id"`
	}
	if err := client.do(ctx, http.MethodPost, "/v1/rules", rule, &out); err != nil {
		return err
	}
	fmt.Printf("injected %s at version %d\n", out.RuleID, out.Version)
	return nil
}

func handleSetEnabled(ctx context.Context, client *apiClient, args []string, enabled bool) error {
	if len(args) != 1 {
		return usageError(fmt.Errorf("expected exactly one rule id"))
	}
	path := fmt.Sprintf("/v1/rules/%s/disable", args[0])
	if enabled {
		path = fmt.Sprintf("/v1/rules/%s/enable", args[0])
	}
	return client.do(ctx, http.MethodPatch, path, nil, nil)
}

func handleReview(ctx context.Context, client *apiClient, args []string) error {
	fs := flag.NewFlagSet("review", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	decision := fs.String("decision", "", "approve or block")
	notes := fs.String("notes", "", "reviewer notes")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	positional := fs.Args()
	if len(positional) != 1 || (*decision != "approve" && *decision != "block") {
		return usageError(errors.New("review requires <audit-id> and -decision approve|block"))
	}
	path := fmt.Sprintf("/v1/escalations/%s/review", positional[0])
	return client.do(ctx, http.MethodPost, path, map[string]string{"decision": *decision, "notes": *notes}, nil)
}
