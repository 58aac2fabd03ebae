package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPStore uploads through the IPFS HTTP API (POST /api/v0/add).
type HTTPStore struct {
	apiURL     string
	httpClient *http.Client
}

// NewHTTPStore creates a store for the IPFS API at apiURL (e.g.
// http://127.0.0.1:5001). httpClient may be nil.
func NewHTTPStore(apiURL string, httpClient *http.Client) *HTTPStore {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
				IdleConnTimeout: 90 * time.Second,
			},
			// Uploads can be large; bound the whole request generously.
			Timeout: 5 * time.Minute,
		}
	}
	return &HTTPStore{
		apiURL:     strings.TrimRight(apiURL, "/"),
		httpClient: httpClient,
	}
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Put uploads data as a single multipart file part named fileName.
func (s *HTTPStore) Put(ctx context.Context, data []byte, fileName string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyContent
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.apiURL+"/api/v0/add", &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", fileName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("upload %s: server returned %d: %s", fileName, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var added addResponse
	if err := json.NewDecoder(resp.Body).Decode(&added); err != nil {
		return "", fmt.Errorf("upload %s: decode response: %w", fileName, err)
	}
	if added.Hash == "" {
		return "", fmt.Errorf("upload %s: no hash in response", fileName)
	}
	logrus.Debugf("📦 stored %s (%d bytes) as %s", fileName, len(data), added.Hash)
	return added.Hash, nil
}
