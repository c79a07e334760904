package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// OrganizationType mirrors the provider's organization classification.
type OrganizationType string

const (
	OrganizationTypePatient      OrganizationType = "individual_patient"
	OrganizationTypePractitioner OrganizationType = "individual_practitioner"
	OrganizationTypeClinic       OrganizationType = "clinic"
)

func (t OrganizationType) IsValid() bool {
	switch t {
	case OrganizationTypePatient, OrganizationTypePractitioner, OrganizationTypeClinic:
		return true
	default:
		return false
	}
}

func (t OrganizationType) String() string {
	return string(t)
}

func ParseOrganizationType(s string) (OrganizationType, error) {
	typ := OrganizationType(s)
	if !typ.IsValid() {
		return "", fmt.Errorf("invalid organization type: %s", s)
	}
	return typ, nil
}

// ProviderAPI is the slice of the identity provider's management API this
// service depends on. Tests substitute a fake.
type ProviderAPI interface {
	CreateIdentity(ctx context.Context, email, name string) (string, error)
	CreateOrganization(ctx context.Context, name string, orgType OrganizationType) (string, error)
	CreateMembership(ctx context.Context, identityExternalID, orgExternalID, role string) (string, error)
	SendPasswordlessCode(ctx context.Context, identityExternalID, code string) error
}

// Client talks to the provider's management API. Every call is bounded by
// the configured timeout and retried once on transient failure.
type Client struct {
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

var _ ProviderAPI = (*Client)(nil)

func NewClient(logger *slog.Logger, baseURL, apiKey string, requestTimeout time.Duration) *Client {
	return &Client{
		logger:     logger,
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

type createIdentityRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type createIdentityResponse struct {
	ID string `json:"id"`
}

func (c *Client) CreateIdentity(ctx context.Context, email, name string) (string, error) {
	var resp createIdentityResponse
	err := c.post(ctx, "/identities", createIdentityRequest{Email: email, Name: name}, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to create identity: %w", err)
	}
	return resp.ID, nil
}

type createOrganizationRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type createOrganizationResponse struct {
	ID string `json:"id"`
}

func (c *Client) CreateOrganization(ctx context.Context, name string, orgType OrganizationType) (string, error) {
	var resp createOrganizationResponse
	err := c.post(ctx, "/organizations", createOrganizationRequest{Name: name, Type: orgType.String()}, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to create organization: %w", err)
	}
	return resp.ID, nil
}

type createMembershipRequest struct {
	IdentityID     string `json:"identity_id"`
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
}

type createMembershipResponse struct {
	ID string `json:"id"`
}

func (c *Client) CreateMembership(ctx context.Context, identityExternalID, orgExternalID, role string) (string, error) {
	var resp createMembershipResponse
	err := c.post(ctx, "/memberships", createMembershipRequest{
		IdentityID:     identityExternalID,
		OrganizationID: orgExternalID,
		Role:           role,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to create membership: %w", err)
	}
	return resp.ID, nil
}

type sendPasswordlessCodeRequest struct {
	IdentityID string `json:"identity_id"`
	Code       string `json:"code"`
}

func (c *Client) SendPasswordlessCode(ctx context.Context, identityExternalID, code string) error {
	if err := c.post(ctx, "/passwordless/send", sendPasswordlessCodeRequest{
		IdentityID: identityExternalID,
		Code:       code,
	}, nil); err != nil {
		return fmt.Errorf("failed to send passwordless code: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	err = c.do(ctx, path, payload, out)
	if err == nil {
		return nil
	}
	if !isTransient(err) {
		return err
	}

	// One retry with a short backoff; anything beyond that is the resolver's
	// deferred-retry problem, not ours.
	select {
	case <-time.After(250 * time.Millisecond):
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, ctx.Err())
	}
	return c.do(ctx, path, payload, out)
}

func (c *Client) do(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, path)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: provider returned status %d", ErrProviderUnavailable, resp.StatusCode)
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}
	return nil
}

func isTransient(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
