package client

import (
	"context"
	"net/url"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
)

// IdentityClient resolves organizational facts (roles, positions, reporting
// lines) from the platform identity service.
type IdentityClient struct {
	http *httpClient
}

// NewIdentityClient creates an identity client for the given base URL.
func NewIdentityClient(baseURL string) *IdentityClient {
	return &IdentityClient{http: newHTTPClient(baseURL)}
}

type userListResponse struct {
	UserIDs []string `json:"user_ids"`
}

type userResponse struct {
	UserID string `json:"user_id"`
}

// UsersWithRole returns user IDs holding the given role for an entity.
func (c *IdentityClient) UsersWithRole(ctx context.Context, entityID, role string) ([]string, error) {
	path := "/api/v1/identity/users?entity_id=" + url.QueryEscape(entityID) + "&role=" + url.QueryEscape(role)

	var resp userListResponse
	if err := c.http.getJSON(ctx, path, &resp); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to resolve users by role")
	}
	return resp.UserIDs, nil
}

// UsersWithPosition returns user IDs holding the given position for an entity.
func (c *IdentityClient) UsersWithPosition(ctx context.Context, entityID, position string) ([]string, error) {
	path := "/api/v1/identity/users?entity_id=" + url.QueryEscape(entityID) + "&position=" + url.QueryEscape(position)

	var resp userListResponse
	if err := c.http.getJSON(ctx, path, &resp); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to resolve users by position")
	}
	return resp.UserIDs, nil
}

// ManagerOf returns the direct manager of a user. An empty id means the user
// has no manager on record.
func (c *IdentityClient) ManagerOf(ctx context.Context, entityID, userID string) (string, error) {
	path := "/api/v1/identity/users/manager?entity_id=" + url.QueryEscape(entityID) + "&user_id=" + url.QueryEscape(userID)

	var resp userResponse
	if err := c.http.getJSON(ctx, path, &resp); err != nil {
		return "", apperr.Wrap(err, apperr.ErrCodeInternal, "failed to resolve manager")
	}
	return resp.UserID, nil
}

// DepartmentHeadOf returns the head of the user's department.
func (c *IdentityClient) DepartmentHeadOf(ctx context.Context, entityID, userID string) (string, error) {
	path := "/api/v1/identity/users/department-head?entity_id=" + url.QueryEscape(entityID) + "&user_id=" + url.QueryEscape(userID)

	var resp userResponse
	if err := c.http.getJSON(ctx, path, &resp); err != nil {
		return "", apperr.Wrap(err, apperr.ErrCodeInternal, "failed to resolve department head")
	}
	return resp.UserID, nil
}
