// Package render turns per-step image prompts into stored mockup images.
package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/c360studio/docbot/article"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// Backend renders one image for a prompt.
type Backend interface {
	Generate(ctx context.Context, prompt string, platform article.Platform) ([]byte, error)
}

// ImagenConfig configures the Vertex AI Imagen backend.
type ImagenConfig struct {
	ProjectID string `yaml:"project_id"`
	Location  string `yaml:"location"`
	Model     string `yaml:"model"`

	// CredentialsFile is a service account JSON file. Empty uses application default credentials.
	CredentialsFile string `yaml:"credentials_file"`
}

// Imagen calls the Vertex AI predict endpoint of an Imagen model.
type Imagen struct {
	cfg        ImagenConfig
	baseURL    string
	tokens     oauth2.TokenSource
	httpClient *http.Client
}

// ImagenOption configures Imagen.
type ImagenOption func(*Imagen)

// WithTokenSource overrides credential discovery.
func WithTokenSource(ts oauth2.TokenSource) ImagenOption {
	return func(i *Imagen) { i.tokens = ts }
}

// WithBaseURL overrides the regional Vertex AI endpoint.
func WithBaseURL(u string) ImagenOption {
	return func(i *Imagen) { i.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) ImagenOption {
	return func(i *Imagen) { i.httpClient = c }
}

// NewImagen resolves credentials and returns the backend.
func NewImagen(ctx context.Context, cfg ImagenConfig, opts ...ImagenOption) (*Imagen, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("imagen project_id is required")
	}
	if cfg.Location == "" {
		cfg.Location = "us-central1"
	}
	if cfg.Model == "" {
		cfg.Model = "imagen-3.0-generate-001"
	}

	i := &Imagen{
		cfg:        cfg,
		baseURL:    fmt.Sprintf("https://%s-aiplatform.googleapis.com", cfg.Location),
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(i)
	}

	if i.tokens == nil {
		creds, err := findCredentials(ctx, cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		i.tokens = creds.TokenSource
	}
	return i, nil
}

func findCredentials(ctx context.Context, file string) (*google.Credentials, error) {
	if file == "" {
		creds, err := google.FindDefaultCredentials(ctx, cloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("find default credentials: %w", err)
		}
		return creds, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read service account file: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account: %w", err)
	}
	return creds, nil
}

type predictRequest struct {
	Instances  []predictInstance `json:"instances"`
	Parameters predictParameters `json:"parameters"`
}

type predictInstance struct {
	Prompt string `json:"prompt"`
}

type predictParameters struct {
	SampleCount int    `json:"sampleCount"`
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type predictResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MimeType           string `json:"mimeType"`
	} `json:"predictions"`
}

// Generate renders a portrait phone mockup and returns PNG bytes.
func (i *Imagen) Generate(ctx context.Context, prompt string, platform article.Platform) ([]byte, error) {
	body, err := json.Marshal(predictRequest{
		Instances:  []predictInstance{{Prompt: MockupPrompt(prompt, platform)}},
		Parameters: predictParameters{SampleCount: 1, AspectRatio: "9:16"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	token, err := i.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("get access token: %w", err)
	}

	url := fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
		i.baseURL, i.cfg.ProjectID, i.cfg.Location, i.cfg.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	token.SetAuthHeader(req)

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call imagen: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read imagen response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		return nil, fmt.Errorf("imagen API error (status %d): %s", resp.StatusCode, msg)
	}

	var result predictResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode imagen response: %w", err)
	}
	if len(result.Predictions) == 0 || result.Predictions[0].BytesBase64Encoded == "" {
		// Imagen filters unsafe prompts by returning no predictions.
		return nil, fmt.Errorf("no image generated")
	}

	data, err := base64.StdEncoding.DecodeString(result.Predictions[0].BytesBase64Encoded)
	if err != nil {
		return nil, fmt.Errorf("decode image data: %w", err)
	}
	return data, nil
}

// MockupPrompt frames a step prompt as a screenshot of the platform's UI.
func MockupPrompt(prompt string, platform article.Platform) string {
	device := "smartphone"
	switch platform {
	case article.PlatformIOS:
		device = "iPhone running iOS, Apple Human Interface Guidelines style"
	case article.PlatformAndroid:
		device = "Android phone, Material Design style"
	}
	return fmt.Sprintf("Clean, realistic app screenshot mockup on a %s. %s. No watermark, legible UI text.",
		device, strings.TrimSuffix(strings.TrimSpace(prompt), "."))
}
