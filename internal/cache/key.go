package cache

import (
	"crypto/sha256"
	"encoding/hex"

	"cloud.google.com/go/civil"

	"github.com/thekhoo/speedsnake/internal/storage/types"
)

const (
	// KeyLength is the number of hex characters kept from the digest.
	KeyLength = 16

	// Extension is the file extension of cache entries.
	Extension = ".csv"
)

// BuildKey returns the entry filename for a query tuple: the first 16 hex
// characters of sha256("YYYY-MM-DD|YYYY-MM-DD|label") followed by ".csv".
func BuildKey(start, end civil.Date, label string) string {
	sum := sha256.Sum256([]byte(start.String() + "|" + end.String() + "|" + label))
	return hex.EncodeToString(sum[:])[:KeyLength] + Extension
}

// KeyFor returns BuildKey for q.
func KeyFor(q types.Query) string {
	return BuildKey(q.Start, q.End, q.Granularity.String())
}
