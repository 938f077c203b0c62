package main

import "github.com/sentinel-honeypot/relay/services/relay/cli"

func main() {
	cli.Execute()
}
