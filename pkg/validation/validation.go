package validation

import (
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var vatNumberPattern = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{2,13}$`)

var (
	defaultOnce     sync.Once
	defaultValidate *validator.Validate
)

// Default returns a process-wide validator with the custom tags registered.
func Default() *validator.Validate {
	defaultOnce.Do(func() {
		defaultValidate = validator.New(validator.WithRequiredStructEnabled())
		Register(defaultValidate)
	})
	return defaultValidate
}

// Register adds custom tags and JSON field naming to v.
func Register(v *validator.Validate) {
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			name = strings.SplitN(fld.Tag.Get("form"), ",", 2)[0]
		}
		return name
	})
	_ = v.RegisterValidation("vatnumber", func(fl validator.FieldLevel) bool {
		return ValidVATNumber(fl.Field().String())
	})
}

// SetupGinValidator registers the custom tags on gin's binding engine.
func SetupGinValidator() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		Register(v)
	}
}

// NormalizeVATNumber upper-cases and strips common separators.
func NormalizeVATNumber(raw string) string {
	replacer := strings.NewReplacer(" ", "", ".", "", "-", "")
	return strings.ToUpper(replacer.Replace(strings.TrimSpace(raw)))
}

// ValidVATNumber checks the country-prefixed VAT number shape.
func ValidVATNumber(raw string) bool {
	return vatNumberPattern.MatchString(NormalizeVATNumber(raw))
}
