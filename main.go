package main

import "grimm.is/warden/cmd"

func main() {
	cmd.Execute()
}
