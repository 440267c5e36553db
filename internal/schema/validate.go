package schema

import (
	"fmt"
	"net/mail"
	"net/url"
	"time"

	"github.com/pocketsync/pocketsync/internal/types"
)

// Validate checks record data against the collection schema.
//
// System fields are skipped. Required fields must be present; required
// text, editor, date, url, and email fields must also be non-empty.
// Empty strings pass for optional date/url/email fields so partially filled
// forms round-trip cleanly. Select, file, and relation fields are shaped by
// MaxSelect: single fields take a string, multi fields take a list.
func (c *Collection) Validate(data types.Record) error {
	for _, f := range c.Fields {
		if f.System {
			continue
		}

		value, present := data[f.Name]
		if !present || value == nil {
			if f.Required {
				return &types.ValidationError{Field: f.Name, Reason: "required field is missing"}
			}
			continue
		}

		if err := validateField(f, value); err != nil {
			return err
		}
	}
	return nil
}

func validateField(f Field, value any) error {
	switch f.Type {
	case FieldText, FieldEditor:
		s, ok := value.(string)
		if !ok {
			return typeErr(f, "expected a string")
		}
		if f.Required && s == "" {
			return &types.ValidationError{Field: f.Name, Reason: "required field is empty"}
		}

	case FieldNumber:
		switch value.(type) {
		case float64, int, int64:
		default:
			return typeErr(f, "expected a number")
		}

	case FieldBool:
		if _, ok := value.(bool); !ok {
			return typeErr(f, "expected a boolean")
		}

	case FieldDate:
		s, ok := value.(string)
		if !ok {
			return typeErr(f, "expected an ISO-8601 string")
		}
		if s == "" && !f.Required {
			return nil
		}
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			if _, err2 := time.Parse("2006-01-02 15:04:05.999Z07:00", s); err2 != nil {
				return typeErr(f, fmt.Sprintf("invalid date %q", s))
			}
		}

	case FieldURL:
		s, ok := value.(string)
		if !ok {
			return typeErr(f, "expected a URL string")
		}
		if s == "" && !f.Required {
			return nil
		}
		u, err := url.Parse(s)
		if err != nil || !u.IsAbs() {
			return typeErr(f, fmt.Sprintf("invalid absolute URL %q", s))
		}

	case FieldEmail:
		s, ok := value.(string)
		if !ok {
			return typeErr(f, "expected an email string")
		}
		if s == "" && !f.Required {
			return nil
		}
		if _, err := mail.ParseAddress(s); err != nil {
			return typeErr(f, fmt.Sprintf("invalid email %q", s))
		}

	case FieldSelect, FieldFile, FieldRelation:
		return validateSelectShape(f, value)

	case FieldJSON:
		// Any JSON value is acceptable.
	}
	return nil
}

// validateSelectShape enforces single-vs-multi cardinality.
func validateSelectShape(f Field, value any) error {
	if f.Single() {
		if _, ok := value.(string); !ok {
			return typeErr(f, "expected a single string value")
		}
		return nil
	}

	list, ok := value.([]any)
	if !ok {
		if _, isStrs := value.([]string); isStrs {
			return nil
		}
		return typeErr(f, "expected a list of values")
	}
	max := *f.Options.MaxSelect
	if len(list) > max {
		return &types.ValidationError{
			Field:  f.Name,
			Reason: fmt.Sprintf("too many values: %d > maxSelect %d", len(list), max),
		}
	}
	for _, item := range list {
		if _, ok := item.(string); !ok {
			return typeErr(f, "expected string items")
		}
	}
	return nil
}

func typeErr(f Field, reason string) error {
	return &types.ValidationError{Field: f.Name, Reason: reason}
}
