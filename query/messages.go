package query

import (
	"strings"
	"time"
)

const TypeCredentialSummary = "skus.query.credential_summary"

type CredentialSummaryMessage struct {
	Domain string
}

func (CredentialSummaryMessage) Type() string { return TypeCredentialSummary }

func (m CredentialSummaryMessage) Validate() error {
	if strings.TrimSpace(m.Domain) == "" {
		return queryValidationError("domain", "is required")
	}
	return nil
}

// CredentialSummary is the decoded credential_summary payload.
type CredentialSummary struct {
	Domain                   string     `json:"domain"`
	OrderID                  string     `json:"order_id,omitempty"`
	ItemID                   string     `json:"item_id,omitempty"`
	RemainingCredentialCount int        `json:"remaining_credential_count"`
	ExpiresAt                *time.Time `json:"expires_at,omitempty"`
	Active                   bool       `json:"active"`
}
