// Package worker 实现缓存策略处理器：install 预缓存资源清单，activate 清理旧版本
// 命名空间并接管客户端，fetch 按配置的策略（stale-while-revalidate 或 cache-first）
// 响应请求。
//
// 策略通过本包的注册表按名称查找，新增策略需要：
//   1. 实现 Strategy 函数签名；
//   2. 在 init() 中调用 RegisterStrategy；
//   3. 保证非 GET 请求永不写入缓存，且网络失败不会以 panic 形式逃逸。
package worker
