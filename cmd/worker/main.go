package main

import "github.com/qcflow/qcflow/services/worker/cli"

func main() {
	cli.Execute()
}
