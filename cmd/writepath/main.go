package main

import "github.com/openlsm/writepath/internal/cmd"

func main() {
	cmd.Execute()
}
