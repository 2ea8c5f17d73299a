package keeper

// RunOption 运行选项
type RunOption func(*Engine)

// WithBasePath 覆盖 server.base_path
func WithBasePath(basePath string) RunOption {
	return func(e *Engine) {
		e.basePath = basePath
	}
}

// WithPlugins 在启动前注册插件，注册失败直接终止启动
func WithPlugins(plugins ...Plugin) RunOption {
	return func(e *Engine) {
		for _, p := range plugins {
			if err := e.Plugins().Register(p); err != nil {
				panic(err)
			}
		}
	}
}
