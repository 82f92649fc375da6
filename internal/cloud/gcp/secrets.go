// Package gcp resolves credentials stored in Google Cloud Secret Manager and
// discovers the ambient project for Cloud Logging.
package gcp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

// SecretManagerClient wraps the GCP Secret Manager client.
type SecretManagerClient struct {
	client    *secretmanager.Client
	projectID string
}

// SecretFetcher defines the interface for fetching secrets.
type SecretFetcher interface {
	FetchSecret(ctx context.Context, secretPath string) (string, error)
	Close() error
}

// NewSecretManagerClient creates a Secret Manager client. An empty projectID
// is discovered from the environment or the metadata server.
func NewSecretManagerClient(ctx context.Context, projectID string, opts ...option.ClientOption) (*SecretManagerClient, error) {
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}

	if projectID == "" {
		projectID, err = ProjectID(ctx)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to get project ID: %w", err)
		}
	}

	return &SecretManagerClient{
		client:    client,
		projectID: projectID,
	}, nil
}

// ProjectID returns the GCP project from GOOGLE_CLOUD_PROJECT, GCP_PROJECT or
// GCLOUD_PROJECT, falling back to the metadata server.
func ProjectID(ctx context.Context) (string, error) {
	for _, key := range []string{"GOOGLE_CLOUD_PROJECT", "GCP_PROJECT", "GCLOUD_PROJECT"} {
		if projectID := os.Getenv(key); projectID != "" {
			return projectID, nil
		}
	}
	return projectIDFromMetadata(ctx, metadataURL)
}

const metadataURL = "http://metadata.google.internal/computeMetadata/v1/project/project-id"

// projectIDFromMetadata fetches the project ID from the GCP metadata server.
func projectIDFromMetadata(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create metadata request: %w", err)
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch project ID from metadata server: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata server returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", fmt.Errorf("failed to read metadata response: %w", err)
	}

	projectID := strings.TrimSpace(string(body))
	if projectID == "" {
		return "", fmt.Errorf("empty project ID from metadata server")
	}
	return projectID, nil
}

// FetchSecret retrieves a secret from GCP Secret Manager.
// secretPath can be in one of the following formats:
//   - projects/PROJECT_ID/secrets/SECRET_NAME/versions/VERSION
//   - projects/PROJECT_ID/secrets/SECRET_NAME (defaults to latest)
//   - SECRET_NAME (uses the client's project)
func (c *SecretManagerClient) FetchSecret(ctx context.Context, secretPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := c.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: normalizeSecretPath(c.projectID, secretPath),
	})
	if err != nil {
		return "", fmt.Errorf("failed to access secret version: %w", err)
	}
	return string(result.Payload.Data), nil
}

// normalizeSecretPath expands a secret reference to a full version name.
func normalizeSecretPath(projectID, secretPath string) string {
	if strings.HasPrefix(secretPath, "projects/") && strings.Contains(secretPath, "/versions/") {
		return secretPath
	}
	if strings.HasPrefix(secretPath, "projects/") && strings.Contains(secretPath, "/secrets/") {
		return secretPath + "/versions/latest"
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectID, path.Base(secretPath))
}

// Close closes the Secret Manager client.
func (c *SecretManagerClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Resolver turns secret references from configuration into values. The
// Secret Manager client is only created when a reference is actually
// resolved, so deployments without secrets never need GCP credentials.
type Resolver struct {
	mu      sync.Mutex
	open    func(ctx context.Context) (SecretFetcher, error)
	fetcher SecretFetcher
	cache   map[string]string
}

// NewResolver returns a Resolver backed by Secret Manager in projectID.
func NewResolver(projectID string, opts ...option.ClientOption) *Resolver {
	return NewResolverWithFetcher(func(ctx context.Context) (SecretFetcher, error) {
		return NewSecretManagerClient(ctx, projectID, opts...)
	})
}

// NewResolverWithFetcher returns a Resolver using open to obtain a fetcher.
func NewResolverWithFetcher(open func(ctx context.Context) (SecretFetcher, error)) *Resolver {
	return &Resolver{open: open, cache: make(map[string]string)}
}

// Resolve fetches ref, trimming the trailing newline secrets are often
// stored with. An empty ref resolves to "". Results are cached.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.cache[ref]; ok {
		return v, nil
	}
	if r.fetcher == nil {
		f, err := r.open(ctx)
		if err != nil {
			return "", err
		}
		r.fetcher = f
	}

	v, err := r.fetcher.FetchSecret(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolve secret %s: %w", path.Base(ref), err)
	}
	v = strings.TrimRight(v, "\r\n")
	r.cache[ref] = v
	return v, nil
}

// Close releases the underlying client, if one was opened.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetcher == nil {
		return nil
	}
	err := r.fetcher.Close()
	r.fetcher = nil
	return err
}
