package values

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
)

// NCM represents an 8-digit Mercosur product classification code.
// The code is hierarchical: first two digits are the chapter, first four
// the category (position). Divergence between declared and predicted codes
// is the primary misclassification signal.
type NCM struct {
	code string
}

var ncmRegex = regexp.MustCompile(`^\d{8}$`)

// NewNCM creates an NCM value object, accepting bare digits or the
// punctuated form (8471.30.12).
func NewNCM(raw string) (NCM, error) {
	if raw == "" {
		return NCM{}, fmt.Errorf("ncm cannot be empty")
	}

	cleaned := digitsOnly(raw)
	if !ncmRegex.MatchString(cleaned) {
		return NCM{}, fmt.Errorf("invalid ncm format: %s", raw)
	}

	return NCM{code: cleaned}, nil
}

// MustNewNCM creates an NCM and panics on error (for constants/tests)
func MustNewNCM(raw string) NCM {
	n, err := NewNCM(raw)
	if err != nil {
		panic(err)
	}
	return n
}

// String returns the bare 8-digit form
func (n NCM) String() string {
	return n.code
}

// Formatted returns the punctuated display form XXXX.XX.XX
func (n NCM) Formatted() string {
	if len(n.code) != 8 {
		return n.code
	}
	return fmt.Sprintf("%s.%s.%s", n.code[:4], n.code[4:6], n.code[6:])
}

// Chapter returns the 2-digit chapter prefix
func (n NCM) Chapter() string {
	if len(n.code) < 2 {
		return n.code
	}
	return n.code[:2]
}

// Category returns the 4-digit position prefix
func (n NCM) Category() string {
	if len(n.code) < 4 {
		return n.code
	}
	return n.code[:4]
}

// IsEmpty checks if the NCM is unset
func (n NCM) IsEmpty() bool {
	return n.code == ""
}

// Equal checks if two NCM codes are identical
func (n NCM) Equal(other NCM) bool {
	return n.code == other.code
}

// SameCategory reports whether both codes share the 4-digit position,
// i.e. a divergence between them stays inside one product family.
func (n NCM) SameCategory(other NCM) bool {
	return !n.IsEmpty() && n.Category() == other.Category()
}

// MarshalJSON implements JSON marshaling
func (n NCM) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.code)
}

// UnmarshalJSON implements JSON unmarshaling
func (n *NCM) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw == "" {
		*n = NCM{}
		return nil
	}

	ncm, err := NewNCM(raw)
	if err != nil {
		return err
	}

	*n = ncm
	return nil
}

// Value implements driver.Valuer for database storage
func (n NCM) Value() (driver.Value, error) {
	if n.code == "" {
		return nil, nil
	}
	return n.code, nil
}

// Scan implements sql.Scanner for database retrieval
func (n *NCM) Scan(value interface{}) error {
	if value == nil {
		*n = NCM{}
		return nil
	}

	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("cannot scan %T into NCM", value)
	}

	if str == "" {
		*n = NCM{}
		return nil
	}

	ncm, err := NewNCM(str)
	if err != nil {
		return err
	}

	*n = ncm
	return nil
}
