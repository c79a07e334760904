package validator

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

var disposableEmailDomains = []string{
	"10minutemail.com", "guerrillamail.com", "mailinator.com", "tempmail.org",
	"yopmail.com", "maildrop.cc", "temp-mail.org", "throwaway.email",
}

// supportedCurrencies matches what the payment processor account is
// configured to settle.
var supportedCurrencies = []string{"eur", "usd", "gbp"}

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New()

	// Custom validators
	v.RegisterValidation("no_disposable_email", validateNoDisposableEmail)
	v.RegisterValidation("supported_currency", validateSupportedCurrency)

	return &Validator{validate: v}
}

func (v *Validator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

func validateNoDisposableEmail(fl validator.FieldLevel) bool {
	email := fl.Field().String()
	emailParts := strings.Split(email, "@")
	if len(emailParts) != 2 {
		return false
	}

	domain := strings.ToLower(emailParts[1])
	for _, disposableDomain := range disposableEmailDomains {
		if domain == disposableDomain {
			return false
		}
	}

	return true
}

func validateSupportedCurrency(fl validator.FieldLevel) bool {
	currency := strings.ToLower(fl.Field().String())
	for _, supported := range supportedCurrencies {
		if currency == supported {
			return true
		}
	}
	return false
}
