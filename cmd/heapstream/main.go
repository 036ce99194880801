package main

import "github.com/heapstream/cmd/heapstream/cmd"

func main() {
	cmd.Execute()
}
