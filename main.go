package main

import "github.com/trenchlabs/trench/cmd"

func main() {
	cmd.Execute()
}
