// Package validation binds request bodies and checks them with the
// validator gin already uses, extended with a few marketplace-specific tags:
//
//	sku          digits only, at most MaxSKULength
//	webhook_url  absolute http(s) URL with a host
//	rubles       positive decimal with at most two fractional digits
//	nonneg       decimal that is zero or more
package validation

import (
	"errors"
	"net/http"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxSKULength bounds a marketplace article number.
const MaxSKULength = 15

var skuRegex = regexp.MustCompile(`^[0-9]+$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSKU reports whether s is a marketplace article number.
func IsValidSKU(s string) bool {
	return len(s) <= MaxSKULength && skuRegex.MatchString(s)
}

// IsValidWebhookURL accepts absolute http(s) URLs with a host.
func IsValidWebhookURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

// SanitizeString trims s, drops NUL bytes and cuts it to maxLen bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

var setupOnce sync.Once

// Setup registers JSON field names and the custom tags on gin's validator.
// Bind and Var call it, so calling it directly is only needed when structs
// are bound some other way.
func Setup() {
	setupOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		register(v)
	})
}

func register(v *validator.Validate) {
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	// Decimals are validated through their string form.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	_ = v.RegisterValidation("sku", func(fl validator.FieldLevel) bool {
		return IsValidSKU(fl.Field().String())
	})
	_ = v.RegisterValidation("webhook_url", func(fl validator.FieldLevel) bool {
		return IsValidWebhookURL(fl.Field().String())
	})
	_ = v.RegisterValidation("rubles", decimalRule(func(d decimal.Decimal) bool {
		return d.IsPositive() && d.Equal(d.Truncate(2))
	}))
	_ = v.RegisterValidation("nonneg", decimalRule(func(d decimal.Decimal) bool {
		return !d.IsNegative()
	}))
}

func decimalRule(ok func(decimal.Decimal) bool) validator.Func {
	return func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && ok(d)
	}
}

// FieldError is one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors lists every rejected field of a request.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Translate turns validator output into Errors. It returns nil for errors
// that did not come from the validator.
func Translate(err error) Errors {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(Errors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Field: fe.Field(), Message: message(fe)})
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "exceeds maximum length of " + fe.Param()
	case "min":
		return "must have at least " + fe.Param() + " entries"
	case "gte":
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "email":
		return "must be a valid email address"
	case "sku":
		return "must be a numeric article number"
	case "webhook_url":
		return "must be an absolute http(s) URL"
	case "rubles":
		return "must be a positive amount with at most two decimal places"
	case "nonneg":
		return "must not be negative"
	}
	return "is invalid"
}

// Bind decodes the JSON body into dst and validates it. On failure it
// writes the error response and returns false.
func Bind(c *gin.Context, dst any) bool {
	Setup()
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	switch errs := Translate(err); {
	case errs != nil:
		Abort(c, errs)
	case errors.As(err, &tooLarge):
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "request_too_large",
			"message": "Request body exceeds the size limit",
		})
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
	}
	return false
}

// Var checks a single value against tag, reporting failures under field.
func Var(field string, value any, tag string) error {
	Setup()
	err := binding.Validator.Engine().(*validator.Validate).Var(value, tag)
	if err == nil {
		return nil
	}
	errs := Translate(err)
	if errs == nil {
		return err
	}
	for i := range errs {
		errs[i].Field = field
	}
	return errs
}

// Abort writes errs as a 400 response.
func Abort(c *gin.Context, errs Errors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": []FieldError(errs),
	})
}
