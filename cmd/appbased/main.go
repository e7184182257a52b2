package main

import (
	"context"
	"os"
)

// main 是 appbased 守护进程的入口。
func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
