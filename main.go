package main

import "github.com/oakmoss/steerbot/cmd"

func main() {
	cmd.Execute()
}
