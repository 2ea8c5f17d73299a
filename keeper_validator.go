package keeper

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	"github.com/go-playground/locales/zh"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entrans "github.com/go-playground/validator/v10/translations/en"
	zhtrans "github.com/go-playground/validator/v10/translations/zh"
)

// ValidatorConfig 校验器配置
type ValidatorConfig struct {
	Locale string `mapstructure:"locale"` // zh（默认）或 en
}

// ValidationRule 自定义校验规则：标签、校验函数与 zh/en 两套翻译模板
// 模板中 {0} 为字段名，{1} 为规则参数
type ValidationRule struct {
	tag string
	fn  validator.Func
	zh  string
	en  string
}

func NewValidationRule(tag string, fn validator.Func) *ValidationRule {
	return &ValidationRule{tag: tag, fn: fn}
}

func (r *ValidationRule) WithZhTranslation(template string) *ValidationRule {
	r.zh = template
	return r
}

func (r *ValidationRule) WithEnTranslation(template string) *ValidationRule {
	r.en = template
	return r
}

func (r *ValidationRule) template(locale string) string {
	if locale == "en" {
		return r.en
	}
	return r.zh
}

func (r *ValidationRule) check() error {
	switch {
	case r.tag == "":
		return errors.New("校验规则标签不能为空")
	case r.fn == nil:
		return fmt.Errorf("校验规则 %s 缺少校验函数", r.tag)
	case r.zh == "" || r.en == "":
		return fmt.Errorf("校验规则 %s 必须同时提供 zh 与 en 翻译", r.tag)
	}
	return nil
}

// Validator 持有 gin 使用的校验引擎及默认语言的翻译器
type Validator struct {
	instance   *validator.Validate
	locale     string
	rules      []*ValidationRule
	translator ut.Translator
}

// newValidator 接管 gin 的默认校验器
// 校验标签由 binding 改为 validate，字段名取 label > json > form > 字段名，
// 注册内置规则（strong_password、sort）后初始化翻译器
func newValidator(settings *Settings) *Validator {
	gv, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		panic("gin 校验引擎不是 go-playground/validator")
	}
	gv.SetTagName("validate")
	gv.RegisterTagNameFunc(fieldLabel)

	v := &Validator{instance: gv, locale: "zh"}
	if settings.Validator.Locale == "en" {
		v.locale = "en"
	}
	for _, rule := range builtinRules() {
		if err := v.RegisterCustomRule(rule); err != nil {
			panic(err)
		}
	}
	v.translator = v.buildTranslator()
	return v
}

func fieldLabel(fld reflect.StructField) string {
	if name := fld.Tag.Get("label"); name != "" {
		return name
	}
	for _, key := range []string{"json", "form"} {
		if tag := fld.Tag.Get(key); tag != "" && tag != "-" {
			name, _, _ := strings.Cut(tag, ",")
			return name
		}
	}
	return fld.Name
}

func (v *Validator) Instance() *validator.Validate {
	return v.instance
}

// Translator 默认语言的翻译器
func (v *Validator) Translator() ut.Translator {
	return v.translator
}

// RegisterCustomRule 注册自定义校验规则，同名规则覆盖旧规则
func (v *Validator) RegisterCustomRule(rule *ValidationRule) error {
	if err := rule.check(); err != nil {
		return err
	}
	if err := v.instance.RegisterValidation(rule.tag, rule.fn); err != nil {
		return fmt.Errorf("注册校验规则 %s 失败: %w", rule.tag, err)
	}
	v.rules = append(v.rules, rule)
	if v.translator != nil {
		v.translateRule(v.translator, rule)
	}
	return nil
}

func (v *Validator) buildTranslator() ut.Translator {
	uni := ut.New(zh.New(), zh.New(), en.New())
	trans, _ := uni.GetTranslator(v.locale)
	if v.locale == "en" {
		_ = entrans.RegisterDefaultTranslations(v.instance, trans)
	} else {
		_ = zhtrans.RegisterDefaultTranslations(v.instance, trans)
	}
	for _, rule := range v.rules {
		v.translateRule(trans, rule)
	}
	return trans
}

func (v *Validator) translateRule(trans ut.Translator, rule *ValidationRule) {
	tmpl := rule.template(v.locale)
	withParam := strings.Contains(tmpl, "{1}")
	_ = v.instance.RegisterTranslation(rule.tag, trans, func(t ut.Translator) error {
		return t.Add(rule.tag, tmpl, true)
	}, func(t ut.Translator, fe validator.FieldError) string {
		params := []string{fe.Field()}
		if withParam {
			params = append(params, fe.Param())
		}
		msg, _ := t.T(rule.tag, params...)
		return msg
	})
}

// validateStrongPassword 至少8位，包含大小写字母和数字
func validateStrongPassword(fl validator.FieldLevel) bool {
	val := fl.Field().String()
	if len(val) < 8 {
		return false
	}

	var hasUpper, hasLower, hasDigit bool
	for _, ch := range val {
		switch {
		case ch >= 'A' && ch <= 'Z':
			hasUpper = true
		case ch >= 'a' && ch <= 'z':
			hasLower = true
		case ch >= '0' && ch <= '9':
			hasDigit = true
		}
	}
	return hasUpper && hasLower && hasDigit
}

var sortExprPattern = regexp.MustCompile(`^[-+]?[A-Za-z_][A-Za-z0-9_.]*(,[-+]?[A-Za-z_][A-Za-z0-9_.]*)*$`)

// validateSort 排序表达式：name,-createdAt,roles.name
func validateSort(fl validator.FieldLevel) bool {
	return sortExprPattern.MatchString(strings.ReplaceAll(fl.Field().String(), " ", ""))
}

func builtinRules() []*ValidationRule {
	return []*ValidationRule{
		NewValidationRule("strong_password", validateStrongPassword).
			WithZhTranslation("{0}必须至少8位，且包含大小写字母和数字").
			WithEnTranslation("{0} must be at least 8 characters with uppercase, lowercase and digits"),
		NewValidationRule("sort", validateSort).
			WithZhTranslation("{0}必须是以逗号分隔的字段名，降序字段以-开头").
			WithEnTranslation("{0} must be a comma separated list of fields, prefix - for descending"),
	}
}
