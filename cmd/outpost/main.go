package main

import "github.com/vietddude/outpost/internal/cli"

func main() {
	cli.Execute()
}
