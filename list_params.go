package keeper

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

const dateLayout = "2006-01-02"

// ListParams 列表接口的公共查询参数
type ListParams struct {
	Page      int    `form:"page" validate:"omitempty,gte=1"`
	Limit     int    `form:"limit" validate:"omitempty,gte=1"`
	Q         string `form:"q" validate:"omitempty,max=128"`
	From      string `form:"from" validate:"omitempty,datetime=2006-01-02"`
	To        string `form:"to" validate:"omitempty,datetime=2006-01-02"`
	Sort      string `form:"sort" validate:"omitempty,sort"`
	Relations string `form:"relations" validate:"omitempty,max=512"`
	Fields    string `form:"fields" validate:"omitempty,max=1024"`
}

// Query 转换为查询描述；searchFields 为 q 参数作用的字段
func (p ListParams) Query(searchFields ...string) (Query, error) {
	q := Query{
		Page:  PageRequest{Page: p.Page, Limit: p.Limit},
		Order: ParseSort(p.Sort),
	}
	if rel := splitList(p.Relations); len(rel) > 0 {
		q.Relations = RelationPaths(rel...)
	}
	if fields := splitList(p.Fields); len(fields) > 0 {
		q.SelectFields(fields...)
	}
	if term := strings.TrimSpace(p.Q); term != "" {
		q.Search = &Search{Term: term, Fields: searchFields}
	}

	if p.From != "" || p.To != "" {
		var r DateRange
		var err error
		if r.From, err = parseDate(p.From); err != nil {
			return Query{}, err
		}
		if r.To, err = parseDate(p.To); err != nil {
			return Query{}, err
		}
		q.DateRange = &r
	}
	return q, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(dateLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("日期 %q 格式无效: %w", s, ErrValidation)
	}
	return t, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// bindList 绑定并校验列表参数，失败时错误已上报
func bindList(ctx *gin.Context, searchFields ...string) (Query, bool) {
	var params ListParams
	if err := ctx.ShouldBindQuery(&params); err != nil {
		_ = ctx.Error(bindingError(err))
		return Query{}, false
	}
	q, err := params.Query(searchFields...)
	if err != nil {
		_ = ctx.Error(err)
		return Query{}, false
	}
	return q, true
}

// bindJSON 绑定并校验请求体，失败时错误已上报
func bindJSON(ctx *gin.Context, req any) bool {
	if err := ctx.ShouldBindJSON(req); err != nil {
		_ = ctx.Error(bindingError(err))
		return false
	}
	return true
}

// bindingError 校验错误原样返回，交由错误处理中间件翻译；其他绑定错误归为 ErrValidation
func bindingError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return err
	}
	return fmt.Errorf("请求格式无效: %v: %w", err, ErrValidation)
}

// pathID 解析路径参数 :id
func pathID(ctx *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil || id == 0 {
		_ = ctx.Error(fmt.Errorf("路径参数 id 无效: %w", ErrValidation))
		return 0, false
	}
	return uint(id), true
}
