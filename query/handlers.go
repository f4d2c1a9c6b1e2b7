package query

import (
	"context"
	"encoding/json"

	"github.com/goliatone/go-skus/core"
)

type SummaryReader interface {
	CredentialSummary(domain string, cb func(core.ResultCode, string))
}

type CredentialSummaryQuery struct {
	reader SummaryReader
}

func NewCredentialSummaryQuery(reader SummaryReader) *CredentialSummaryQuery {
	return &CredentialSummaryQuery{reader: reader}
}

func (q *CredentialSummaryQuery) Query(ctx context.Context, msg CredentialSummaryMessage) (CredentialSummary, error) {
	if q == nil || q.reader == nil {
		return CredentialSummary{}, queryDependencyError("query: summary reader is required")
	}
	if err := msg.Validate(); err != nil {
		return CredentialSummary{}, err
	}
	payload, err := core.Await(ctx, func(done func(core.ResultCode, string)) {
		q.reader.CredentialSummary(msg.Domain, done)
	})
	if err != nil {
		return CredentialSummary{}, err
	}
	var summary CredentialSummary
	if err := json.Unmarshal([]byte(payload), &summary); err != nil {
		return CredentialSummary{}, queryDecodeError(err)
	}
	return summary, nil
}
