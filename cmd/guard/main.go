package main

import "github.com/silversage/guard/cmd/guard/cmd"

func main() {
	cmd.Execute()
}
