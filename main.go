package main

import "github.com/arcward/watchman/cmd"

func main() {
	cmd.Execute()
}
