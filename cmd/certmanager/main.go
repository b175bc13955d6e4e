package main

import "github.com/jmcleod/certmanager/cmd/certmanager/cmd"

func main() {
	cmd.Execute()
}
