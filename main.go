package main

import "github.com/teahouse/storefront/internal/cli"

func main() {
	cli.Execute()
}
