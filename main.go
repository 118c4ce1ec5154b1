package main

import "github.com/dayuer/relaymux/cmd"

func main() {
	cmd.Execute()
}
