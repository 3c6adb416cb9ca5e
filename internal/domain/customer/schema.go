// Package customer defines the closed set of fields a solar installation
// customer record may carry and normalizes user input into record.Fields.
package customer

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/solarcrm/backend/internal/domain/record"
	"github.com/solarcrm/backend/internal/domain/shared"
)

// Field names
const (
	FieldName         = "name"
	FieldEmail        = "email"
	FieldPhone        = "phone"
	FieldAddress      = "address"
	FieldCity         = "city"
	FieldStatus       = "status"
	FieldModuleCount  = "module_count"
	FieldSystemSizeKW = "system_size_kw"
	FieldInstallDate  = "install_date"
	FieldSalesRep     = "sales_rep"
	FieldNotes        = "notes"
)

// Status is the stage of a customer in the sales and installation pipeline
type Status string

const (
	StatusLead       Status = "lead"
	StatusQuoted     Status = "quoted"
	StatusContracted Status = "contracted"
	StatusInstalled  Status = "installed"
	StatusCancelled  Status = "cancelled"
)

// DateLayout is the wire and storage format of install_date
const DateLayout = time.DateOnly

type fieldKind int

const (
	kindText fieldKind = iota
	kindInt
	kindDecimal
	kindDate
)

type fieldDef struct {
	kind     fieldKind
	tag      string
	nullable bool
}

var fieldDefs = map[string]fieldDef{
	FieldName:         {kind: kindText, tag: "required,max=200"},
	FieldEmail:        {kind: kindText, tag: "omitempty,email,max=200", nullable: true},
	FieldPhone:        {kind: kindText, tag: "omitempty,max=50", nullable: true},
	FieldAddress:      {kind: kindText, tag: "omitempty,max=500", nullable: true},
	FieldCity:         {kind: kindText, tag: "omitempty,max=100", nullable: true},
	FieldStatus:       {kind: kindText, tag: "required,oneof=lead quoted contracted installed cancelled"},
	FieldModuleCount:  {kind: kindInt, tag: "gte=0,lte=100000"},
	FieldSystemSizeKW: {kind: kindDecimal, nullable: true},
	FieldInstallDate:  {kind: kindDate, nullable: true},
	FieldSalesRep:     {kind: kindText, tag: "omitempty,max=100", nullable: true},
	FieldNotes:        {kind: kindText, tag: "omitempty,max=4000", nullable: true},
}

// FieldNames returns every known field name in sorted order
func FieldNames() []string {
	names := make([]string, 0, len(fieldDefs))
	for name := range fieldDefs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FieldError describes why one field was rejected
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every rejected field of one request.
// It matches shared.ErrInvalidInput with errors.Is.
type ValidationError struct {
	Details []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, d.Field+": "+d.Message)
	}
	return "invalid customer fields: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return shared.ErrInvalidInput
}

func (e *ValidationError) add(field, message string) {
	e.Details = append(e.Details, FieldError{Field: field, Message: message})
}

func (e *ValidationError) orNil() error {
	if len(e.Details) == 0 {
		return nil
	}
	sort.Slice(e.Details, func(i, j int) bool { return e.Details[i].Field < e.Details[j].Field })
	return e
}

// Schema validates and normalizes customer input
type Schema struct {
	validate *validator.Validate
}

// NewSchema creates a customer schema
func NewSchema() *Schema {
	return &Schema{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// NormalizePatch checks a partial update. Only known fields are accepted, the
// id may not be changed, and every value is converted to its canonical form.
// A nil value clears a nullable field.
func (s *Schema) NormalizePatch(raw map[string]any) (record.Fields, error) {
	verr := &ValidationError{}
	out := make(record.Fields, len(raw))

	for name, value := range raw {
		if name == record.IDField {
			verr.add(name, "Field cannot be changed")
			continue
		}
		v, msg := s.normalize(name, value)
		if msg != "" {
			verr.add(name, msg)
			continue
		}
		out[name] = v
	}

	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeCreate checks a full customer. The id is optional and returned
// empty when absent; unset fields get their defaults.
func (s *Schema) NormalizeCreate(raw map[string]any) (record.Record, error) {
	verr := &ValidationError{}

	var id string
	if rawID, ok := raw[record.IDField]; ok && rawID != nil {
		str, isString := rawID.(string)
		switch {
		case !isString:
			verr.add(record.IDField, "Must be a string")
		case s.validate.Var(strings.TrimSpace(str), "max=64") != nil:
			verr.add(record.IDField, "Must be at most 64 characters")
		default:
			id = strings.TrimSpace(str)
		}
	}

	fields := record.Fields{
		FieldStatus:      string(StatusLead),
		FieldModuleCount: 0,
	}
	for name, value := range raw {
		if name == record.IDField {
			continue
		}
		v, msg := s.normalize(name, value)
		if msg != "" {
			verr.add(name, msg)
			continue
		}
		fields[name] = v
	}

	if _, ok := raw[FieldName]; !ok {
		verr.add(FieldName, "This field is required")
	}

	if err := verr.orNil(); err != nil {
		return record.Record{}, err
	}
	return record.New(id, fields), nil
}

// FromStore converts values read back from a store into their canonical form.
// Columns outside the schema are dropped. A value the schema would reject is
// kept as stored so a reload never loses data.
func (s *Schema) FromStore(rec record.Record) record.Record {
	out := make(record.Fields, len(rec.Fields))
	for name, value := range rec.Fields {
		def, ok := fieldDefs[name]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case []byte:
			value = string(v)
		case time.Time:
			if def.kind == kindDate {
				value = v.Format(DateLayout)
			}
		}
		if v, msg := s.normalize(name, value); msg == "" {
			out[name] = v
		} else {
			out[name] = value
		}
	}
	return record.Record{ID: rec.ID, Fields: out}
}

func (s *Schema) normalize(name string, value any) (any, string) {
	def, ok := fieldDefs[name]
	if !ok {
		return nil, "Unknown field"
	}

	if value == nil {
		if def.nullable {
			return nil, ""
		}
		return nil, "Cannot be null"
	}

	switch def.kind {
	case kindText:
		str, ok := value.(string)
		if !ok {
			return nil, "Must be a string"
		}
		str = strings.TrimSpace(str)
		if err := s.validate.Var(str, def.tag); err != nil {
			return nil, validationMessage(err)
		}
		if str == "" && def.nullable {
			return nil, ""
		}
		return str, ""

	case kindInt:
		n, err := toInt(value)
		if err != nil {
			return nil, err.Error()
		}
		if err := s.validate.Var(n, def.tag); err != nil {
			return nil, validationMessage(err)
		}
		return n, ""

	case kindDecimal:
		d, err := toDecimal(value)
		if err != nil {
			return nil, err.Error()
		}
		if d.IsNegative() {
			return nil, "Must be greater than or equal to 0"
		}
		return d.String(), ""

	case kindDate:
		str, ok := value.(string)
		if !ok {
			return nil, "Must be a date string (YYYY-MM-DD)"
		}
		str = strings.TrimSpace(str)
		if str == "" {
			return nil, ""
		}
		t, err := time.Parse(DateLayout, str)
		if err != nil {
			return nil, "Must be a date string (YYYY-MM-DD)"
		}
		return t.Format(DateLayout), ""
	}

	return nil, "Unsupported field"
}

func toInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, errors.New("Must be a whole number")
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, errors.New("Must be a whole number")
		}
		return int(n), nil
	default:
		return 0, errors.New("Must be a number")
	}
}

func toDecimal(value any) (decimal.Decimal, error) {
	switch v := value.(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case json.Number:
		return decimalFromString(v.String())
	case string:
		return decimalFromString(v)
	default:
		return decimal.Zero, errors.New("Must be a number")
	}
}

func decimalFromString(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, errors.New("Must be a decimal number")
	}
	return d, nil
}

func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return "Invalid value"
	}
	e := verrs[0]
	switch e.Tag() {
	case "required":
		return "This field is required"
	case "email":
		return "Invalid email format"
	case "max":
		if e.Kind() == reflect.String {
			return "Must be at most " + e.Param() + " characters"
		}
		return "Must be at most " + e.Param()
	case "oneof":
		return "Must be one of: " + e.Param()
	case "gte":
		return "Must be greater than or equal to " + e.Param()
	case "lte":
		return "Must be less than or equal to " + e.Param()
	default:
		return "Invalid value"
	}
}
