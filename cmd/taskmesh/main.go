package main

import "github.com/marcus/taskmesh/cmd/taskmesh/commands"

func main() {
	commands.Execute()
}
