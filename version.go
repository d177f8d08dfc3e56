package main

import (
	"fmt"

	"github.com/any-hub/guide-cache/internal/version"
)

// printVersion 输出版本信息以及回源使用的 User-Agent。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
	fmt.Fprintf(stdOut, "user-agent: %s\n", version.UserAgent())
}
