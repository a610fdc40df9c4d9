package main

import "github.com/nightwatchhq/nightwatch/cmd"

func main() {
	cmd.Execute()
}
