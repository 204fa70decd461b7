package main

import "github.com/deploymenttheory/go-espboot/cmd"

func main() {
	cmd.Execute()
}
