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
)

// Client talks to a relay server and to the presigned blob URLs it hands out.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Minute,
		},
	}
}

type FileDecl struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type,omitempty"`
}

type PresignedUpload struct {
	FileIndex  int    `json:"fileIndex"`
	URL        string `json:"url"`
	StorageKey string `json:"storageKey"`
}

type InitResponse struct {
	UploadID        string            `json:"uploadId"`
	Token           string            `json:"token"`
	PresignedUrls   []PresignedUpload `json:"presignedUrls"`
	ClientEncrypted bool              `json:"clientEncrypted"`
	ExpiresAt       *int64            `json:"expiresAt"`
	MaxDownloads    *int              `json:"maxDownloads"`
}

type FileMeta struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Type       string `json:"type,omitempty"`
	StorageKey string `json:"storageKey"`
}

type CompleteResponse struct {
	OK         bool   `json:"ok"`
	PublicLink string `json:"publicLink"`
	Error      string `json:"error"`
}

type LinkFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type ResolveResponse struct {
	Valid              bool       `json:"valid"`
	Reason             string     `json:"reason"`
	Files              []LinkFile `json:"files"`
	PasswordProtected  bool       `json:"passwordProtected"`
	Expiry             *int64     `json:"expiry"`
	RemainingDownloads *int       `json:"remainingDownloads"`
}

type FileURL struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type RedeemResponse struct {
	OK                 bool      `json:"ok"`
	Error              string    `json:"error"`
	FileUrls           []FileURL `json:"fileUrls"`
	RemainingDownloads *int      `json:"remainingDownloads"`
}

// InitUpload declares the files to share and receives presigned PUT targets.
// expirySeconds nil asks for a link that never expires.
func (c *Client) InitUpload(files []FileDecl, expirySeconds *int64, maxDownloads *int) (*InitResponse, error) {
	body := map[string]any{
		"files":        files,
		"expiry":       expirySeconds,
		"maxDownloads": maxDownloads,
	}

	var resp InitResponse
	if err := c.postJSON("/upload/init", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.PresignedUrls) != len(files) {
		return nil, fmt.Errorf("server returned %d upload targets for %d files", len(resp.PresignedUrls), len(files))
	}
	return &resp, nil
}

// PushFile streams one local file to its presigned PUT URL.
func (c *Client) PushFile(url string, path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	req, err := http.NewRequest(http.MethodPut, url, f)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = size

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upload of %s failed with status %d: %s", path, resp.StatusCode, string(respBody))
	}
	return nil
}

// CompleteUpload finalizes the share and returns the public link.
func (c *Client) CompleteUpload(init *InitResponse, meta []FileMeta, password string) (string, error) {
	body := map[string]any{
		"uploadId":          init.UploadID,
		"token":             init.Token,
		"filesMeta":         meta,
		"expiresAt":         init.ExpiresAt,
		"maxDownloads":      init.MaxDownloads,
		"passwordProtected": password != "",
	}
	if password != "" {
		body["password"] = password
	}

	var resp CompleteResponse
	if err := c.postJSON("/upload/complete", body, &resp); err != nil {
		return "", err
	}
	if !resp.OK {
		return "", fmt.Errorf("complete failed: %s", resp.Error)
	}
	return resp.PublicLink, nil
}

// Resolve probes a link without consuming a download.
func (c *Client) Resolve(token string) (*ResolveResponse, error) {
	resp, err := c.HTTPClient.Get(c.BaseURL + "/link/" + token)
	if err != nil {
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	var out ResolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if !out.Valid && out.Reason == "" && resp.StatusCode == http.StatusNotFound {
		out.Reason = "not_found"
	}
	return &out, nil
}

// Redeem consumes one download and returns the per-file URLs.
func (c *Client) Redeem(token string, password string) (*RedeemResponse, error) {
	body := map[string]any{}
	if password != "" {
		body["password"] = password
	}

	var resp RedeemResponse
	if err := c.postJSON("/link/"+token, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) postJSON(path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}

// TokenFromArg accepts either a bare token or a full public link and returns
// the token.
func TokenFromArg(arg string) string {
	if i := strings.LastIndex(arg, "/t/"); i >= 0 {
		return strings.Trim(arg[i+3:], "/")
	}
	return arg
}
