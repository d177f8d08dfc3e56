package config

import (
	"github.com/fsnotify/fsnotify"
)

// Watch 监听配置文件变更，每次写入后重新解析并回调 onChange。解析或校验失败时
// 回调 onError，保留旧配置继续运行。返回的初始配置与 Load 结果一致。
func Watch(path string, onChange func(*Config), onError func(error)) (*Config, error) {
	v, err := readViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onChange != nil {
			onChange(next)
		}
	})
	v.WatchConfig()

	return cfg, nil
}
