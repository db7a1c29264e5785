package main

import "github.com/BioHazard786/voicelink/cmd"

func main() {
	cmd.Execute()
}
