package definition

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Layout is the rendering mode of a view.
type Layout string

const (
	LayoutTable    Layout = "table"
	LayoutBoard    Layout = "board"
	LayoutCalendar Layout = "calendar"
	LayoutGallery  Layout = "gallery"
	LayoutList     Layout = "list"
)

// Column is a single field shown by a view.
type Column struct {
	Key    string `json:"key" validate:"required,max=128"`
	Label  string `json:"label,omitempty" validate:"max=256"`
	Width  int    `json:"width,omitempty" validate:"gte=0,lte=2000"`
	Hidden bool   `json:"hidden,omitempty"`
}

// Filter restricts the rows a view shows.
type Filter struct {
	Field string `json:"field" validate:"required,max=128"`
	Op    string `json:"op" validate:"required,oneof=eq neq lt lte gt gte contains in empty not_empty"`
	Value string `json:"value,omitempty" validate:"max=1024"`
}

// Sort orders the rows a view shows.
type Sort struct {
	Field string `json:"field" validate:"required,max=128"`
	Desc  bool   `json:"desc,omitempty"`
}

// Definition is the full configuration of a view. Versions hold one
// immutably; instances hold their own copy.
type Definition struct {
	Layout   Layout            `json:"layout" validate:"required,oneof=table board calendar gallery list"`
	Columns  []Column          `json:"columns" validate:"required,min=1,max=200,unique=Key,dive"`
	Filters  []Filter          `json:"filters,omitempty" validate:"max=100,dive"`
	Sort     []Sort            `json:"sort,omitempty" validate:"max=10,dive"`
	GroupBy  string            `json:"group_by,omitempty" validate:"max=128"`
	PageSize int               `json:"page_size,omitempty" validate:"gte=0,lte=1000"`
	Settings map[string]string `json:"settings,omitempty" validate:"max=64"`
}

// ErrInvalid is wrapped by every error returned from Validate and Parse.
var ErrInvalid = errors.New("invalid definition")

var definitionValidate *validator.Validate

func init() {
	definitionValidate = validator.New(validator.WithRequiredStructEnabled())
	definitionValidate.RegisterStructValidation(validateGroupBy, Definition{})
}

// validateGroupBy requires GroupBy, when set, to name one of the columns.
func validateGroupBy(sl validator.StructLevel) {
	def := sl.Current().Interface().(Definition)
	if def.GroupBy == "" {
		return
	}
	for _, col := range def.Columns {
		if col.Key == def.GroupBy {
			return
		}
	}
	sl.ReportError(def.GroupBy, "GroupBy", "GroupBy", "column", "")
}

// Validate checks d against the view schema.
func Validate(d Definition) error {
	err := definitionValidate.Struct(d)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Definition.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "unique":
		return fmt.Sprintf("%s must have unique %s values", field, fe.Param())
	case "column":
		return fmt.Sprintf("%s %q does not name a column", field, fe.Value())
	case "min", "max", "gte", "lte":
		return fmt.Sprintf("%s fails %s=%s", field, fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s fails %s", field, fe.Tag())
	}
}

// Parse decodes a JSON definition, rejecting unknown fields, and validates it.
func Parse(data []byte) (Definition, error) {
	var d Definition
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := Validate(d); err != nil {
		return Definition{}, err
	}
	return d, nil
}

// Marshal encodes d as JSON for storage.
func (d Definition) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// Clone returns a deep copy of d.
func (d Definition) Clone() Definition {
	out := d
	if d.Columns != nil {
		out.Columns = append([]Column(nil), d.Columns...)
	}
	if d.Filters != nil {
		out.Filters = append([]Filter(nil), d.Filters...)
	}
	if d.Sort != nil {
		out.Sort = append([]Sort(nil), d.Sort...)
	}
	if d.Settings != nil {
		out.Settings = make(map[string]string, len(d.Settings))
		for k, v := range d.Settings {
			out.Settings[k] = v
		}
	}
	return out
}
