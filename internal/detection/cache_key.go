package detection

import (
	"encoding/json"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/errors"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
)

// cacheKeyInput is the canonical projection hashed into a cache key. Field
// set and order are part of the cache contract: changing either invalidates
// every stored entry.
type cacheKeyInput struct {
	AccessKey       string         `json:"access_key"`
	TotalAmount     float64        `json:"total_amount"`
	Issuer          string         `json:"issuer"`
	Classifications map[int]string `json:"classifications"`
}

// CacheKey digests an analysis input into the 16-hex-char key results are
// stored under. The classification map contributes only the predicted codes:
// two runs with identical codes but different confidences share an entry.
// Known quirk, kept until a product decision says otherwise.
func CacheKey(inv *invoice.Invoice, classifications invoice.ClassificationSet) (string, error) {
	codes := make(map[int]string, len(classifications))
	for number, cls := range classifications {
		codes[number] = cls.PredictedNCM.String()
	}

	payload, err := json.Marshal(cacheKeyInput{
		AccessKey:       inv.AccessKey.String(),
		TotalAmount:     inv.TotalAmount.ToFloat64(),
		Issuer:          inv.Issuer.String(),
		Classifications: codes,
	})
	if err != nil {
		return "", errors.WrapWithCode(err, "CACHE_KEY_ENCODING", "failed to encode cache key input")
	}

	hash, err := values.ComputeHashValue(payload)
	if err != nil {
		return "", errors.WrapWithCode(err, "CACHE_KEY_DIGEST", "failed to digest cache key input")
	}
	return hash.TruncateLong(), nil
}
