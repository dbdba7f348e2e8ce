package main

import "maptile-export/cmd"

func main() {
	cmd.Execute()
}
