package invoice_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/testutil/fixtures"
)

func TestNewClassification(t *testing.T) {
	predicted := values.MustNewNCM("84713012")

	t.Run("valid", func(t *testing.T) {
		c, err := invoice.NewClassification(1, predicted, 0.9)
		require.NoError(t, err)
		assert.Equal(t, 1, c.ItemNumber)
		assert.Equal(t, 0.9, c.Confidence)
	})

	t.Run("confidence clamped above", func(t *testing.T) {
		c, err := invoice.NewClassification(1, predicted, 1.7)
		require.NoError(t, err)
		assert.Equal(t, 1.0, c.Confidence)
	})

	t.Run("confidence clamped below", func(t *testing.T) {
		c, err := invoice.NewClassification(1, predicted, -0.2)
		require.NoError(t, err)
		assert.Equal(t, 0.0, c.Confidence)
	})

	t.Run("invalid item number", func(t *testing.T) {
		_, err := invoice.NewClassification(0, predicted, 0.9)
		assert.Error(t, err)
	})

	t.Run("missing predicted code", func(t *testing.T) {
		_, err := invoice.NewClassification(1, values.NCM{}, 0.9)
		assert.Error(t, err)
	})
}

func TestClassification_Diverges(t *testing.T) {
	tests := []struct {
		name      string
		declared  string
		predicted string
		want      bool
	}{
		{
			name:      "same code",
			declared:  "84713012",
			predicted: "84713012",
			want:      false,
		},
		{
			name:      "different code",
			declared:  "84713012",
			predicted: "84715010",
			want:      true,
		},
		{
			name:      "missing declared",
			declared:  "",
			predicted: "84713012",
			want:      false,
		},
		{
			name:      "missing predicted",
			declared:  "84713012",
			predicted: "",
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := fixtures.NewClassificationBuilder(t).
				WithDeclared(tt.declared).
				WithPredicted(tt.predicted).
				Build()
			assert.Equal(t, tt.want, c.Diverges())
		})
	}
}

func TestClassification_CategoryChanged(t *testing.T) {
	t.Run("same category", func(t *testing.T) {
		c := fixtures.NewClassificationBuilder(t).
			WithDeclared("84713012").
			WithPredicted("84715010").
			Build()
		assert.True(t, c.Diverges())
		assert.False(t, c.CategoryChanged())
	})

	t.Run("different category", func(t *testing.T) {
		c := fixtures.NewClassificationBuilder(t).
			WithDeclared("84713012").
			WithPredicted("09011110").
			Build()
		assert.True(t, c.CategoryChanged())
	})
}

func TestNewClassificationSet(t *testing.T) {
	t.Run("indexes by item", func(t *testing.T) {
		set, err := invoice.NewClassificationSet([]invoice.Classification{
			fixtures.NewClassificationBuilder(t).WithItemNumber(1).Build(),
			fixtures.NewClassificationBuilder(t).WithItemNumber(2).Build(),
		})
		require.NoError(t, err)

		c, ok := set.ForItem(2)
		require.True(t, ok)
		assert.Equal(t, 2, c.ItemNumber)

		_, ok = set.ForItem(9)
		assert.False(t, ok)
	})

	t.Run("duplicate item rejected", func(t *testing.T) {
		_, err := invoice.NewClassificationSet([]invoice.Classification{
			fixtures.NewClassificationBuilder(t).WithItemNumber(1).Build(),
			fixtures.NewClassificationBuilder(t).WithItemNumber(1).Build(),
		})
		assert.Error(t, err)
	})
}

func TestClassificationsFromItems(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).
		AddItem(fixtures.NewLineItemBuilder(t).WithNumber(1).WithNCM("84713012").WithPredictedNCM("84715010").Build()).
		AddItem(fixtures.NewLineItemBuilder(t).WithNumber(2).WithNCM("09011110").Build()).
		Build()

	set := invoice.ClassificationsFromItems(inv)
	require.Len(t, set, 1)

	c, ok := set.ForItem(1)
	require.True(t, ok)
	assert.Equal(t, "84715010", c.PredictedNCM.String())
	assert.Equal(t, "84713012", c.DeclaredNCM.String())
	assert.Equal(t, 1.0, c.Confidence)
}

func TestClassificationSet_WithDeclared(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).
		AddItem(fixtures.NewLineItemBuilder(t).WithNumber(1).WithNCM("84713012").Build()).
		Build()

	set := fixtures.ClassificationSetFor(t,
		fixtures.NewClassificationBuilder(t).
			WithItemNumber(1).
			WithDeclared("").
			WithPredicted("84715010").
			Build(),
	)

	filled := set.WithDeclared(inv)
	c, ok := filled.ForItem(1)
	require.True(t, ok)
	assert.Equal(t, "84713012", c.DeclaredNCM.String())
	assert.True(t, c.Diverges())
}
