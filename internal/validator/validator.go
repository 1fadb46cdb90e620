// Package validator checks uploaded profile files against the IOOS glider
// NetCDF convention. Validation is a pure function of file content: a
// corrupt or foreign file produces failing diagnostics, never an error.
package validator

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/livinlefevreloca/gliderdac/internal/netcdf"
)

// Severity of a diagnostic. Only errors fail validation.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic codes
const (
	CodeUnreadable        = "unreadable"
	CodeUnsupportedFormat = "unsupported_format"
	CodeMalformed         = "malformed"
	CodeEmptyTime         = "empty_time"
	CodeMissingGlobalAttr = "missing_global_attribute"
	CodeMissingVariable   = "missing_variable"
	CodeMissingAttribute  = "missing_attribute"
	CodeInvalidTimeUnits  = "invalid_time_units"
	CodeInvalidName       = "invalid_name"
	CodeUnknownStandard   = "unknown_standard_name"
	CodeUnknownVariable   = "unknown_variable"
)

// Diagnostic is one finding. Field names the attribute or variable involved.
type Diagnostic struct {
	Code     string
	Severity Severity
	Field    string
	Message  string
}

// Result is the outcome of validating one file revision
type Result struct {
	Passed      bool
	Diagnostics []Diagnostic
}

// Errors returns only the error-severity diagnostics
func (r Result) Errors() []Diagnostic {
	var out []Diagnostic
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

// Summary renders the first error for status reporting
func (r Result) Summary() string {
	errs := r.Errors()
	if len(errs) == 0 {
		return ""
	}
	if len(errs) == 1 {
		return errs[0].Message
	}
	return fmt.Sprintf("%s (and %d more)", errs[0].Message, len(errs)-1)
}

var requiredGlobalAttrs = []string{
	"Conventions",
	"format_version",
	"institution",
	"platform_type",
	"title",
	"summary",
	"project",
	"standard_name_vocabulary",
	"creator_email",
}

var requiredVariables = []string{
	"time", "lat", "lon",
	"profile_id", "profile_time", "profile_lat", "profile_lon",
	"trajectory",
}

// Profile-level coordinates that need units even though they are scalars
var unitsRequired = map[string]bool{
	"profile_time": true,
	"profile_lat":  true,
	"profile_lon":  true,
}

var (
	namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
)

// Validator checks files against a vocabulary
type Validator struct {
	vocab *Vocabulary
}

// New creates a validator. A nil vocabulary uses DefaultVocabulary.
func New(vocab *Vocabulary) *Validator {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	return &Validator{vocab: vocab}
}

// ValidateFile reads and validates the file at path
func (v *Validator) ValidateFile(path string) Result {
	data, err := os.ReadFile(path)
	if err != nil {
		return fail(Diagnostic{
			Code:     CodeUnreadable,
			Severity: SeverityError,
			Field:    path,
			Message:  fmt.Sprintf("cannot read file: %v", err),
		})
	}
	return v.Validate(data)
}

// Validate checks file content. Diagnostics are ordered: structure, global
// attributes, coordinate variables, variable attributes, time decoding,
// naming.
func (v *Validator) Validate(data []byte) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = fail(Diagnostic{
				Code:     CodeMalformed,
				Severity: SeverityError,
				Message:  fmt.Sprintf("file could not be decoded: %v", r),
			})
		}
	}()

	f, err := netcdf.Parse(data)
	if err != nil {
		return fail(structureDiagnostic(err))
	}

	var diags []Diagnostic
	diags = append(diags, checkStructure(f)...)
	diags = append(diags, checkGlobals(f)...)
	diags = append(diags, checkCoordinates(f)...)
	diags = append(diags, checkVariableAttrs(f)...)
	diags = append(diags, checkTimes(f)...)
	diags = append(diags, v.checkNaming(f)...)

	result = Result{Passed: true, Diagnostics: diags}
	for _, d := range diags {
		if d.Severity == SeverityError {
			result.Passed = false
			break
		}
	}
	return result
}

func fail(d Diagnostic) Result {
	return Result{Passed: false, Diagnostics: []Diagnostic{d}}
}

func structureDiagnostic(err error) Diagnostic {
	d := Diagnostic{Severity: SeverityError, Message: err.Error()}
	switch {
	case errors.Is(err, netcdf.ErrUnsupportedFormat):
		d.Code = CodeUnsupportedFormat
	case errors.Is(err, netcdf.ErrNotNetCDF):
		d.Code = CodeMalformed
		d.Message = "not a NetCDF file"
	default:
		d.Code = CodeMalformed
	}
	return d
}

func checkStructure(f *netcdf.File) []Diagnostic {
	tv := f.Var("time")
	if tv == nil {
		return nil
	}
	if tv.Len() == 0 {
		return []Diagnostic{{
			Code:     CodeEmptyTime,
			Severity: SeverityError,
			Field:    "time",
			Message:  "time coordinate has no values",
		}}
	}
	if _, err := f.Float64s("time"); err != nil {
		return []Diagnostic{{
			Code:     CodeMalformed,
			Severity: SeverityError,
			Field:    "time",
			Message:  fmt.Sprintf("time values unreadable: %v", err),
		}}
	}
	return nil
}

func checkGlobals(f *netcdf.File) []Diagnostic {
	var diags []Diagnostic
	for _, name := range requiredGlobalAttrs {
		if strings.TrimSpace(f.Attrs.Text(name)) == "" {
			diags = append(diags, Diagnostic{
				Code:     CodeMissingGlobalAttr,
				Severity: SeverityError,
				Field:    name,
				Message:  fmt.Sprintf("required global attribute %q is missing or empty", name),
			})
		}
	}
	return diags
}

func checkCoordinates(f *netcdf.File) []Diagnostic {
	var diags []Diagnostic
	missing := func(name string) {
		diags = append(diags, Diagnostic{
			Code:     CodeMissingVariable,
			Severity: SeverityError,
			Field:    name,
			Message:  fmt.Sprintf("required variable %q is missing", name),
		})
	}

	for _, name := range requiredVariables[:3] {
		if f.Var(name) == nil {
			missing(name)
		}
	}
	if f.Var("depth") == nil && f.Var("pressure") == nil {
		missing("depth")
	}
	for _, name := range requiredVariables[3:] {
		if f.Var(name) == nil {
			missing(name)
		}
	}
	return diags
}

func isDataVariable(v *netcdf.Variable) bool {
	if v.Type == netcdf.Char || strings.HasSuffix(v.Name, "_qc") {
		return false
	}
	if unitsRequired[v.Name] {
		return true
	}
	for _, d := range v.Dims {
		if d == "time" {
			return true
		}
	}
	return false
}

func checkVariableAttrs(f *netcdf.File) []Diagnostic {
	var diags []Diagnostic
	for _, v := range f.Vars {
		if !isDataVariable(v) {
			continue
		}
		for _, attr := range []string{"units", "long_name"} {
			if strings.TrimSpace(v.Attrs.Text(attr)) == "" {
				diags = append(diags, Diagnostic{
					Code:     CodeMissingAttribute,
					Severity: SeverityError,
					Field:    v.Name + ":" + attr,
					Message:  fmt.Sprintf("variable %q is missing attribute %q", v.Name, attr),
				})
			}
		}
	}

	return diags
}

// checkTimes decodes time and profile_time with the rules that place a
// profile in its dataset, so a passing file always has a profile identity.
// Missing units are reported by checkVariableAttrs.
func checkTimes(f *netcdf.File) []Diagnostic {
	var diags []Diagnostic
	checked, usable := false, false

	for _, name := range []string{"time", "profile_time"} {
		v := f.Var(name)
		if v == nil || strings.TrimSpace(v.Attrs.Text("units")) == "" || v.Len() == 0 {
			continue
		}
		checked = true

		_, ok, err := f.FirstTime(name)
		switch {
		case errors.Is(err, netcdf.ErrInvalidTime):
			diags = append(diags, Diagnostic{
				Code:     CodeInvalidTimeUnits,
				Severity: SeverityError,
				Field:    name + ":units",
				Message:  fmt.Sprintf("%s cannot be decoded as \"<unit> since <date>\": %v", name, err),
			})
		case err != nil:
			// Unreadable time values are reported by checkStructure
			if name != "time" {
				diags = append(diags, Diagnostic{
					Code:     CodeMalformed,
					Severity: SeverityError,
					Field:    name,
					Message:  fmt.Sprintf("%s values unreadable: %v", name, err),
				})
			}
		case ok:
			usable = true
		}
	}

	if checked && !usable && len(diags) == 0 {
		diags = append(diags, Diagnostic{
			Code:     CodeEmptyTime,
			Severity: SeverityError,
			Field:    "profile_time",
			Message:  "time and profile_time hold only missing values",
		})
	}
	return diags
}

func (v *Validator) checkNaming(f *netcdf.File) []Diagnostic {
	var diags []Diagnostic
	for _, variable := range f.Vars {
		name := variable.Name
		if !namePattern.MatchString(name) {
			diags = append(diags, Diagnostic{
				Code:     CodeInvalidName,
				Severity: SeverityError,
				Field:    name,
				Message:  fmt.Sprintf("variable name %q must start with a letter and contain only letters, digits, and underscores", name),
			})
		}

		if sn := variable.Attrs.Text("standard_name"); sn != "" && !v.vocab.StandardNames[sn] {
			diags = append(diags, Diagnostic{
				Code:     CodeUnknownStandard,
				Severity: SeverityError,
				Field:    name + ":standard_name",
				Message:  fmt.Sprintf("standard_name %q of %q is not in the vocabulary", sn, name),
			})
		}

		if !strings.HasSuffix(name, "_qc") && !v.vocab.Variables[name] {
			diags = append(diags, Diagnostic{
				Code:     CodeUnknownVariable,
				Severity: SeverityWarning,
				Field:    name,
				Message:  fmt.Sprintf("variable %q is not part of the glider template", name),
			})
		}
	}
	return diags
}
