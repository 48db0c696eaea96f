// Package orthanc is a thin REST client for the hosting DICOM store.
// The factories of the Web viewer use it to read series, instances,
// simplified tags and raw decoded frames.
package orthanc

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the REST API of the DICOM store.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// NewClient builds a client for the store at baseURL. Credentials may be
// empty when the store is unauthenticated.
func NewClient(baseURL, username, password string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// GetBytes performs a GET and returns the raw body. The second return
// value is false on a 404, which callers treat as "not producible".
func (c *Client) GetBytes(uri string) ([]byte, bool, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+uri, nil)
	if err != nil {
		return nil, false, fmt.Errorf("building request for %s: %w", uri, err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("querying the DICOM store at %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("the DICOM store answered %d on %s", resp.StatusCode, uri)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("reading answer of %s: %w", uri, err)
	}
	return body, true, nil
}

// GetJSON performs a GET and decodes the JSON body into out.
func (c *Client) GetJSON(uri string, out interface{}) (bool, error) {
	body, ok, err := c.GetBytes(uri)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("decoding answer of %s: %w", uri, err)
	}
	return true, nil
}
