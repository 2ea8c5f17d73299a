package keeper

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
)

type passwordForm struct {
	Password string `json:"password" validate:"strong_password"`
}

type sortForm struct {
	Sort string `form:"sort" validate:"omitempty,sort"`
}

func TestStrongPasswordRule(t *testing.T) {
	v := newValidator(testSettings())
	for pw, ok := range map[string]bool{
		"Admin@123456": true,
		"Abcdefg1":     true,
		"Abc1":         false,
		"abcdefgh1":    false,
		"ABCDEFGH1":    false,
		"Abcdefghi":    false,
	} {
		err := v.Instance().Struct(passwordForm{Password: pw})
		if ok {
			require.NoError(t, err, pw)
		} else {
			require.Error(t, err, pw)
		}
	}
}

func TestSortRule(t *testing.T) {
	v := newValidator(testSettings())
	for expr, ok := range map[string]bool{
		"name":                  true,
		"-createdAt,name":       true,
		"+roles.name, -id":      true,
		"name;drop table":       false,
		"1name":                 false,
		"name,":                 false,
		"roles.permissions.url": true,
	} {
		err := v.Instance().Struct(sortForm{Sort: expr})
		if ok {
			require.NoError(t, err, expr)
		} else {
			require.Error(t, err, expr)
		}
	}
}

func TestValidationMessagesAreTranslated(t *testing.T) {
	v := newValidator(testSettings())
	err := v.Instance().Struct(passwordForm{Password: "weak"})
	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	require.Equal(t, "password", verrs[0].Field())
	require.Equal(t, "password必须至少8位，且包含大小写字母和数字", verrs[0].Translate(v.Translator()))

	en := testSettings()
	en.Validator.Locale = "en"
	ve := newValidator(en)
	err = ve.Instance().Struct(passwordForm{Password: "weak"})
	require.ErrorAs(t, err, &verrs)
	require.Equal(t, "password must be at least 8 characters with uppercase, lowercase and digits", verrs[0].Translate(ve.Translator()))
}

func TestRegisterCustomRule(t *testing.T) {
	v := newValidator(testSettings())
	even := func(fl validator.FieldLevel) bool {
		return len(fl.Field().String())%2 == 0
	}
	require.Error(t, v.RegisterCustomRule(NewValidationRule("even_len", even).WithZhTranslation("{0}长度必须为偶数")))
	require.Error(t, v.RegisterCustomRule(NewValidationRule("", even)))

	rule := NewValidationRule("even_len", even).
		WithZhTranslation("{0}长度必须为偶数").
		WithEnTranslation("{0} must have an even length")
	require.NoError(t, v.RegisterCustomRule(rule))

	type form struct {
		Code string `json:"code" validate:"even_len"`
	}
	require.NoError(t, v.Instance().Struct(form{Code: "ab"}))
	err := v.Instance().Struct(form{Code: "abc"})
	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	require.Equal(t, "code长度必须为偶数", verrs[0].Translate(v.Translator()))
}
