package main

import "github.com/vietddude/keyproxy/internal/cli"

func main() {
	cli.Execute()
}
