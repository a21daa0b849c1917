package values

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNCM(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "bare digits",
			input: "84713012",
			want:  "84713012",
		},
		{
			name:  "punctuated form",
			input: "8471.30.12",
			want:  "84713012",
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
		{
			name:    "too short",
			input:   "8471301",
			wantErr: true,
		},
		{
			name:    "too long",
			input:   "847130123",
			wantErr: true,
		},
		{
			name:    "letters",
			input:   "8471AB12",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ncm, err := NewNCM(tt.input)

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, ncm.String())
		})
	}
}

func TestNCM_Formatted(t *testing.T) {
	ncm := MustNewNCM("84713012")
	assert.Equal(t, "8471.30.12", ncm.Formatted())
}

func TestNCM_Hierarchy(t *testing.T) {
	laptop := MustNewNCM("84713012")
	desktop := MustNewNCM("84715010")
	coffee := MustNewNCM("09011110")

	t.Run("Chapter", func(t *testing.T) {
		assert.Equal(t, "84", laptop.Chapter())
		assert.Equal(t, "09", coffee.Chapter())
	})

	t.Run("Category", func(t *testing.T) {
		assert.Equal(t, "8471", laptop.Category())
		assert.Equal(t, "0901", coffee.Category())
	})

	t.Run("SameCategory", func(t *testing.T) {
		assert.True(t, laptop.SameCategory(desktop))
		assert.False(t, laptop.SameCategory(coffee))
	})

	t.Run("SameCategory empty", func(t *testing.T) {
		var empty NCM
		assert.False(t, empty.SameCategory(laptop))
	})
}

func TestNCM_Equal(t *testing.T) {
	a := MustNewNCM("84713012")
	b := MustNewNCM("8471.30.12")
	c := MustNewNCM("09011110")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestNCM_JSON(t *testing.T) {
	ncm := MustNewNCM("84713012")

	t.Run("Marshal", func(t *testing.T) {
		data, err := json.Marshal(ncm)
		require.NoError(t, err)
		assert.Equal(t, `"84713012"`, string(data))
	})

	t.Run("Unmarshal", func(t *testing.T) {
		var decoded NCM
		err := json.Unmarshal([]byte(`"8471.30.12"`), &decoded)
		require.NoError(t, err)
		assert.True(t, ncm.Equal(decoded))
	})

	t.Run("Unmarshal empty string yields empty NCM", func(t *testing.T) {
		var decoded NCM
		err := json.Unmarshal([]byte(`""`), &decoded)
		require.NoError(t, err)
		assert.True(t, decoded.IsEmpty())
	})

	t.Run("Unmarshal invalid", func(t *testing.T) {
		var decoded NCM
		err := json.Unmarshal([]byte(`"12"`), &decoded)
		assert.Error(t, err)
	})
}

func TestNCM_Database(t *testing.T) {
	ncm := MustNewNCM("84713012")

	t.Run("Value", func(t *testing.T) {
		value, err := ncm.Value()
		require.NoError(t, err)
		assert.Equal(t, "84713012", value)
	})

	t.Run("Value empty", func(t *testing.T) {
		var empty NCM
		value, err := empty.Value()
		require.NoError(t, err)
		assert.Nil(t, value)
	})

	t.Run("Scan from string", func(t *testing.T) {
		var decoded NCM
		err := decoded.Scan("84713012")
		require.NoError(t, err)
		assert.True(t, ncm.Equal(decoded))
	})

	t.Run("Scan nil", func(t *testing.T) {
		var decoded NCM
		err := decoded.Scan(nil)
		require.NoError(t, err)
		assert.True(t, decoded.IsEmpty())
	})
}
