package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lockbook/lb-core/crypto"
)

// HTTPClient implements Client over a single authenticated HTTP transport.
// Every request carries the account's signature over the request body in
// the X-Lockbook-Signature header; the wire format for each payload is
// plain JSON, which is all the request types need since document
// bytes are already opaque ciphertext.
type HTTPClient struct {
	BaseURL string
	Account crypto.AccountKey
	HTTP    *http.Client
}

// NewHTTPClient returns a client posting to baseURL, signing every request
// with account.
func NewHTTPClient(baseURL string, account crypto.AccountKey) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Account: account,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) post(path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrapf(err, "server.HTTPClient.post %s: marshal", path)
	}
	signature := c.Account.Sign(payload)

	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrapf(err, "server.HTTPClient.post %s: build request", path)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Lockbook-Owner", c.Account.Public().String())
	req.Header.Set("X-Lockbook-Signature", fmt.Sprintf("%x", signature))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrapf(err, "server.HTTPClient.post %s: do request", path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusConflict {
		return ErrConflict
	}
	if resp.StatusCode == http.StatusNotFound {
		return errNotFoundStatus
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("server.HTTPClient.post %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "server.HTTPClient.post %s: decode response", path)
	}
	return nil
}

type notFoundStatusErr string

func (e notFoundStatusErr) Error() string { return string(e) }

const errNotFoundStatus = notFoundStatusErr("server: 404")

func (c *HTTPClient) GetFileIds(user crypto.PublicKey) (map[uuid.UUID]bool, error) {
	var ids []uuid.UUID
	if err := c.post("/get-file-ids", map[string]string{"owner": user.String()}, &ids); err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (c *HTTPClient) GetUpdates(user crypto.PublicKey, since uint64) (Updates, error) {
	var out Updates
	req := map[string]interface{}{"owner": user.String(), "since_metadata_version": since}
	if err := c.post("/get-updates", req, &out); err != nil {
		return Updates{}, err
	}
	return out, nil
}

func (c *HTTPClient) GetDoc(id uuid.UUID, hmac [32]byte) (crypto.EncryptedValue, error) {
	var out struct {
		Ciphertext []byte `json:"ciphertext"`
	}
	req := map[string]interface{}{"id": id, "hmac": fmt.Sprintf("%x", hmac)}
	if err := c.post("/get-doc", req, &out); err != nil {
		return nil, err
	}
	return out.Ciphertext, nil
}

func (c *HTTPClient) Upsert(diffs []FileDiff) error {
	return c.post("/upsert", map[string]interface{}{"updates": diffs}, nil)
}

func (c *HTTPClient) ChangeDoc(d DocDiff) error {
	return c.post("/change-doc", d, nil)
}

func (c *HTTPClient) GetUsername(owner crypto.PublicKey) (string, error) {
	var out struct {
		Username string `json:"username"`
	}
	err := c.post("/get-username", map[string]string{"owner": owner.String()}, &out)
	if err == errNotFoundStatus {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", err
	}
	return out.Username, nil
}

