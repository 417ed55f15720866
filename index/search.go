package index

import (
	"context"
	"encoding/base64"

	"github.com/pkg/errors"

	"github.com/bobg/notedb"
)

// DefaultLimit is the page size Search uses when given a limit of zero or less.
const DefaultLimit = 100

// Search runs a paged query.
// The token is empty for the first page;
// for later pages it is the next-page token returned with the previous one.
// The returned token is empty when there are no more results.
func Search(ctx context.Context, ix Index, pred Predicate, token string, limit int) (keys []notedb.Key, next string, err error) {
	if err = Validate(pred); err != nil {
		return nil, "", err
	}
	after, err := DecodeToken(token)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	keys, err = ix.Query(ctx, pred, after, limit+1)
	if err != nil {
		return nil, "", err
	}
	if len(keys) > limit {
		keys = keys[:limit]
		next = EncodeToken(keys[limit-1].String())
	}
	return keys, next, nil
}

// EncodeToken produces the continuation token for a page ending at the given key.
func EncodeToken(after string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(after))
}

// DecodeToken is the inverse of EncodeToken.
func DecodeToken(token string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", errors.Wrap(err, "decoding continuation token")
	}
	return string(b), nil
}
