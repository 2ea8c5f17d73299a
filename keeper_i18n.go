package keeper

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

// I18nConfig 多语言配置
type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	MessagePaths    []string `mapstructure:"message_paths"` // 存放 active.<lang>.yaml 的目录
	LangQueryKey    string   `mapstructure:"lang_query_key"`
	LangHeader      string   `mapstructure:"lang_header"`
}

// newI18nBundle 初始化并加载 YAML 消息文件，仅在启动阶段调用
// 找不到翻译时错误响应使用内置的中文文案
func newI18nBundle(settings *Settings, logger *slog.Logger) *i18n.Bundle {
	cfg := settings.I18n
	base := cfg.DefaultLanguage
	if base == "" {
		base = "zh"
	}
	tag, err := language.Parse(base)
	if err != nil {
		logger.Warn("默认语言无效，使用 zh", "language", base, "error", err)
		tag = language.Chinese
	}
	bundle := i18n.NewBundle(tag)
	bundle.RegisterUnmarshalFunc("yaml", yaml.Unmarshal)

	for _, dir := range cfg.MessagePaths {
		if dir == "" {
			continue
		}
		loadMessageDir(bundle, dir, logger)
	}
	return bundle
}

func loadMessageDir(bundle *i18n.Bundle, dir string, logger *slog.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("加载翻译目录失败", "dir", dir, "error", err)
		return
	}
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasPrefix(name, "active.") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		fp := filepath.Join(dir, name)
		if _, err := bundle.LoadMessageFile(fp); err != nil {
			logger.Warn("加载翻译文件失败", "file", fp, "error", err)
			continue
		}
		logger.Info("已加载翻译文件", "file", fp)
	}
}
