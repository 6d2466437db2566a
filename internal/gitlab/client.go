package gitlab

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/redhat-data-and-ai/naysayer/internal/config"
)

// Client handles GitLab API operations
type Client struct {
	config config.GitLabConfig
	http   *http.Client
}

// createHTTPClient creates an HTTP client with custom TLS configuration
func createHTTPClient(cfg config.GitLabConfig) (*http.Client, error) {
	transport := &http.Transport{}

	// Configure TLS settings
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12, // Enforce TLS 1.2 minimum for security
	}

	// Handle insecure TLS (skip certificate verification)
	if cfg.InsecureTLS {
		tlsConfig.InsecureSkipVerify = true
	}

	// Handle custom CA certificate
	if cfg.CACertPath != "" {
		caCert, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate from %s: %w", cfg.CACertPath, err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", cfg.CACertPath)
		}

		tlsConfig.RootCAs = caCertPool
	}

	transport.TLSClientConfig = tlsConfig

	return &http.Client{
		Transport: transport,
	}, nil
}

// NewClient creates a new GitLab API client
func NewClient(cfg config.GitLabConfig) *Client {
	httpClient, err := createHTTPClient(cfg)
	if err != nil {
		// Fallback to default client if TLS configuration fails
		httpClient = &http.Client{}
	}

	return &Client{
		config: cfg,
		http:   httpClient,
	}
}

// NewClientWithConfig creates a new GitLab API client with full config
func NewClientWithConfig(cfg *config.Config) *Client {
	httpClient, err := createHTTPClient(cfg.GitLab)
	if err != nil {
		// Fallback to default client if TLS configuration fails
		httpClient = &http.Client{}
	}

	return &Client{
		config: cfg.GitLab,
		http:   httpClient,
	}
}

// AddMRComment adds a comment to a merge request. It backs CommentMR, the
// job.ForgeClient method the merge job's Accept/Abort steps post through.
func (c *Client) AddMRComment(projectID, mrIID int, comment string) error {
	url := fmt.Sprintf("%s/api/v4/projects/%d/merge_requests/%d/notes",
		strings.TrimRight(c.config.BaseURL, "/"), projectID, mrIID)

	payload := map[string]string{
		"body": comment,
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal comment payload: %w", err)
	}

	req, err := http.NewRequest("POST", url, bytes.NewBuffer(jsonPayload))
	if err != nil {
		return fmt.Errorf("failed to create comment request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to add comment: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case 201:
		return nil // Success
	case 401:
		return fmt.Errorf("comment failed: insufficient permissions")
	case 404:
		return fmt.Errorf("comment failed: MR not found")
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("comment failed with status %d: %s", resp.StatusCode, string(body))
	}
}

// parseNextLink extracts the "next" page URL from GitLab's Link header
// GitLab follows RFC 5988 format: <URL>; rel="next", <URL>; rel="prev"
// Returns empty string if no next link exists
func parseNextLink(linkHeader string) string {
	if linkHeader == "" {
		return ""
	}

	// Split by comma to handle multiple links
	links := strings.Split(linkHeader, ",")

	for _, link := range links {
		link = strings.TrimSpace(link)

		// Check if this is a "next" rel
		if !strings.Contains(link, `rel="next"`) {
			continue
		}

		// Extract URL from angle brackets
		startIdx := strings.Index(link, "<")
		endIdx := strings.Index(link, ">")

		if startIdx == -1 || endIdx == -1 || startIdx >= endIdx {
			continue
		}

		return link[startIdx+1 : endIdx]
	}

	return ""
}
