package main

import (
	"fmt"

	"github.com/zeu5/motion-model/commands"
)

// main entry point to training, evaluation, data generation and serving
func main() {
	rootCommand := commands.GetRootCommand()
	if err := rootCommand.Execute(); err != nil {
		fmt.Println(err)
	}
}
