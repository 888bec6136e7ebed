package client

import (
	"context"
	"fmt"
	"net/url"

	"github.com/procurata/be-approval-workflows/internal/errors"
	"github.com/procurata/be-approval-workflows/internal/repository"
	"github.com/procurata/be-approval-workflows/internal/service"
)

// IdentityClient implements service.IdentityClient against the platform
// identity REST service.
type IdentityClient struct {
	client *restClient
}

// NewIdentityClient creates a new identity service client.
func NewIdentityClient(baseURL string) *IdentityClient {
	return &IdentityClient{client: newRESTClient(baseURL)}
}

type userResponse struct {
	UserID       string  `json:"user_id"`
	Role         string  `json:"role"`
	DepartmentID *string `json:"department_id"`
}

// GetUser returns the role and department a user holds within a company.
func (c *IdentityClient) GetUser(ctx context.Context, companyID, userID string) (*service.UserInfo, error) {
	path := fmt.Sprintf("/api/v1/users/%s?company_id=%s", url.PathEscape(userID), url.QueryEscape(companyID))

	var resp userResponse
	if err := c.client.Get(ctx, path, &resp); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve user from identity service")
	}

	return &service.UserInfo{
		UserID:       resp.UserID,
		Role:         repository.ApproverRole(resp.Role),
		DepartmentID: resp.DepartmentID,
	}, nil
}

type roleCountResponse struct {
	Count int `json:"count"`
}

// CountUsersWithRole returns the eligible-approver pool size for a role,
// optionally scoped to a department.
func (c *IdentityClient) CountUsersWithRole(ctx context.Context, companyID string, role repository.ApproverRole, departmentID *string) (int, error) {
	query := url.Values{}
	query.Set("company_id", companyID)
	query.Set("role", string(role))
	if departmentID != nil {
		query.Set("department_id", *departmentID)
	}

	var resp roleCountResponse
	if err := c.client.Get(ctx, "/api/v1/users/count?"+query.Encode(), &resp); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count role holders")
	}
	return resp.Count, nil
}
