package main

import "github.com/qcflow/qcflow/services/gateway/cli"

func main() {
	cli.Execute()
}
