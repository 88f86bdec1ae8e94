package main

import "github.com/qcflow/qcflow/services/coordinator/cli"

func main() {
	cli.Execute()
}
