package detection_test

import (
	"testing"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/testutil/fixtures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKey_DeterministicShortHex(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).Build()
	cls := fixtures.ClassificationSetFor(t, fixtures.NewClassificationBuilder(t).Build())

	first, err := detection.CacheKey(inv, cls)
	require.NoError(t, err)
	second, err := detection.CacheKey(inv, cls)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Regexp(t, "^[0-9a-f]{16}$", first)
}

func TestCacheKey_SensitiveToTotalAmount(t *testing.T) {
	base := fixtures.NewInvoiceBuilder(t).Build()
	cheaper := fixtures.NewInvoiceBuilder(t).WithTotal(500).Build()

	baseKey, err := detection.CacheKey(base, nil)
	require.NoError(t, err)
	cheaperKey, err := detection.CacheKey(cheaper, nil)
	require.NoError(t, err)

	assert.NotEqual(t, baseKey, cheaperKey)
}

func TestCacheKey_SensitiveToIssuer(t *testing.T) {
	// Pin the access key so the issuer field is the only difference.
	key := fixtures.AccessKeyFor(t, fixtures.DefaultIssuerCNPJ, "123")
	base := fixtures.NewInvoiceBuilder(t).WithAccessKey(key).Build()
	other := fixtures.NewInvoiceBuilder(t).
		WithAccessKey(key).
		WithIssuer("11222333000181").
		Build()

	baseKey, err := detection.CacheKey(base, nil)
	require.NoError(t, err)
	otherKey, err := detection.CacheKey(other, nil)
	require.NoError(t, err)

	assert.NotEqual(t, baseKey, otherKey)
}

func TestCacheKey_SensitiveToAccessKey(t *testing.T) {
	base := fixtures.NewInvoiceBuilder(t).Build()
	other := fixtures.NewInvoiceBuilder(t).
		WithAccessKey(fixtures.AccessKeyFor(t, fixtures.DefaultIssuerCNPJ, "999")).
		Build()

	baseKey, err := detection.CacheKey(base, nil)
	require.NoError(t, err)
	otherKey, err := detection.CacheKey(other, nil)
	require.NoError(t, err)

	assert.NotEqual(t, baseKey, otherKey)
}

func TestCacheKey_SensitiveToPredictedCode(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).Build()
	agreeing := fixtures.ClassificationSetFor(t, fixtures.NewClassificationBuilder(t).Build())
	diverging := fixtures.ClassificationSetFor(t,
		fixtures.NewClassificationBuilder(t).WithPredicted("85171231").Build(),
	)

	agreeingKey, err := detection.CacheKey(inv, agreeing)
	require.NoError(t, err)
	divergingKey, err := detection.CacheKey(inv, diverging)
	require.NoError(t, err)

	assert.NotEqual(t, agreeingKey, divergingKey)
}

func TestCacheKey_IgnoresClassifierConfidence(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).Build()
	confident := fixtures.ClassificationSetFor(t,
		fixtures.NewClassificationBuilder(t).WithConfidence(0.95).Build(),
	)
	hesitant := fixtures.ClassificationSetFor(t,
		fixtures.NewClassificationBuilder(t).WithConfidence(0.2).Build(),
	)

	confidentKey, err := detection.CacheKey(inv, confident)
	require.NoError(t, err)
	hesitantKey, err := detection.CacheKey(inv, hesitant)
	require.NoError(t, err)

	assert.Equal(t, confidentKey, hesitantKey)
}

func TestCacheKey_EmptyClassificationsMatchNil(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).Build()

	nilKey, err := detection.CacheKey(inv, nil)
	require.NoError(t, err)
	emptyKey, err := detection.CacheKey(inv, invoice.ClassificationSet{})
	require.NoError(t, err)

	assert.Equal(t, nilKey, emptyKey)
}
