package main

import "github.com/weviu/apr-hunter-sub000/internal/cli"

func main() {
	cli.Execute()
}
