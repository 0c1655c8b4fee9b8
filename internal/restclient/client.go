// Package restclient calls the platform's REST endpoints used by chat: history, users and uploads.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/unimindcare/carechat/internal/auth"
	"github.com/unimindcare/carechat/internal/models"
)

const maxResponseBody = 8 << 20

// StatusError is a non-2xx answer other than 401
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server answered %d", e.Code)
	}
	return fmt.Sprintf("server answered %d: %s", e.Code, e.Message)
}

type Client struct {
	baseURL string
	tokens  auth.TokenSource
	http    *http.Client
}

func New(baseURL string, tokens auth.TokenSource, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    &http.Client{Timeout: timeout},
	}
}

// History returns the messages exchanged by a and b, oldest first
func (c *Client) History(ctx context.Context, a, b string) ([]models.Message, error) {
	path := "/messages/" + url.PathEscape(a) + "/" + url.PathEscape(b)
	body, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	return models.DecodeList[models.Message](body)
}

// Users returns the user directory
func (c *Client) Users(ctx context.Context) ([]models.User, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/users/all", nil, "")
	if err != nil {
		return nil, err
	}
	return models.DecodeList[models.User](body)
}

// Me returns the profile of the authenticated user
func (c *Client) Me(ctx context.Context) (models.User, error) {
	var user models.User
	body, err := c.do(ctx, http.MethodGet, "/api/users/me", nil, "")
	if err != nil {
		return user, err
	}
	err = models.Decode(body, &user)
	return user, err
}

// Upload posts a file as multipart field "file" and returns its public URL
func (c *Client) Upload(ctx context.Context, fileName, contentType string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
	header.Set("Content-Type", contentType)

	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/api/upload", &buf, mw.FormDataContentType())
	if err != nil {
		return "", err
	}
	var resp models.UploadResponse
	if err := models.Decode(body, &resp); err != nil {
		return "", err
	}
	return resp.FileURL, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrUnauthorized, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s %s", auth.ErrUnauthorized, method, path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{Code: resp.StatusCode, Message: errorMessage(data)}
	}
	return data, nil
}

func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}

// IsStatus reports whether err is a StatusError with the given code
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
