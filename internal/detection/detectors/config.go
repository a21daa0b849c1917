package detectors

import (
	"github.com/go-playground/validator/v10"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/errors"
)

var validate = validator.New()

// validateConfig rejects out-of-range detector thresholds at construction,
// before the detector ever sees an invoice.
func validateConfig(cfg interface{}) error {
	if err := validate.Struct(cfg); err != nil {
		return errors.NewValidationError("INVALID_DETECTOR_CONFIG", err.Error())
	}
	return nil
}
