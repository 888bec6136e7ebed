package client

import (
	"context"
	"fmt"
	"net/url"

	"github.com/procurata/be-approval-workflows/internal/errors"
	"github.com/procurata/be-approval-workflows/internal/repository"
	"github.com/procurata/be-approval-workflows/internal/service"
)

// DocumentsClient implements service.DocumentsClient against the procurement
// documents service, which owns PRs, POs, invoices and contracts.
type DocumentsClient struct {
	client *restClient
}

// NewDocumentsClient creates a new documents service client.
func NewDocumentsClient(baseURL string) *DocumentsClient {
	return &DocumentsClient{client: newRESTClient(baseURL)}
}

type attributesResponse struct {
	Amount       int64   `json:"amount"`
	DepartmentID *string `json:"department_id"`
	RequesterID  string  `json:"requester_id"`
}

// GetSubmissionAttributes returns the attributes a document is routed on.
func (c *DocumentsClient) GetSubmissionAttributes(ctx context.Context, companyID string, docType repository.DocumentType, documentID string) (*service.DocumentAttributes, error) {
	path := fmt.Sprintf("/api/v1/documents/%s/%s/attributes?company_id=%s",
		url.PathEscape(string(docType)), url.PathEscape(documentID), url.QueryEscape(companyID))

	var resp attributesResponse
	if err := c.client.Get(ctx, path, &resp); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to fetch document attributes")
	}

	return &service.DocumentAttributes{
		Amount:       resp.Amount,
		DepartmentID: resp.DepartmentID,
		RequesterID:  resp.RequesterID,
	}, nil
}
